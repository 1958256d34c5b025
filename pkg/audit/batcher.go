package audit

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration // How often to flush a partial batch.
	InsertTimeout time.Duration // The timeout for a single flush operation.
}

// LoadDefaultBatcherConfig returns the default batching configuration with env overrides.
func LoadDefaultBatcherConfig() *BatcherConfig {
	cfg := &BatcherConfig{
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		InsertTimeout: 10 * time.Second,
	}
	if size := os.Getenv("APISYNC_AUDIT_BATCH_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil {
			cfg.BatchSize = val
		}
	}
	if interval := os.Getenv("APISYNC_AUDIT_FLUSH_INTERVAL"); interval != "" {
		if val, err := time.ParseDuration(interval); err == nil {
			cfg.FlushInterval = val
		}
	}
	return cfg
}

// Batcher collects audit records and writes them in batches, by size or on a timer.
// Submit never blocks: when the buffer is full the record is dropped and logged.
type Batcher struct {
	config   *BatcherConfig
	inserter DataBatchInserter
	logger   zerolog.Logger
	input    chan *Record
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewBatcher creates a new Batcher.
func NewBatcher(config *BatcherConfig, inserter DataBatchInserter, logger zerolog.Logger) (*Batcher, error) {
	if config == nil {
		config = LoadDefaultBatcherConfig()
	}
	if inserter == nil {
		return nil, errors.New("audit inserter cannot be nil")
	}
	if config.BatchSize <= 0 || config.FlushInterval <= 0 {
		return nil, errors.New("BatchSize and FlushInterval must be greater than 0")
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 10 * time.Second
	}
	return &Batcher{
		config:   config,
		inserter: inserter,
		logger:   logger.With().Str("component", "AuditBatcher").Logger(),
		input:    make(chan *Record, config.BatchSize*2),
	}, nil
}

// Start begins the batching worker. ctx controls the worker's lifecycle.
func (b *Batcher) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting audit batcher worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Submit queues rec for the next batch and reports whether it was accepted.
func (b *Batcher) Submit(rec *Record) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || rec == nil {
		return false
	}
	select {
	case b.input <- rec:
		return true
	default:
		b.logger.Warn().Str("operation", rec.Operation).Str("path", rec.Path).Msg("Audit buffer full, dropping record.")
		return false
	}
}

// Stop flushes what is buffered and closes the inserter, giving up when ctx expires.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.input)
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping audit batcher...")
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("Audit batcher worker stopped gracefully.")
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for audit batcher worker to stop.")
		return ctx.Err()
	}

	if err := b.inserter.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing underlying audit inserter.")
	}
	return nil
}

func (b *Batcher) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]*Record, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background(), batch)
			return

		case rec, ok := <-b.input:
			if !ok {
				b.flush(context.Background(), batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= b.config.BatchSize {
				b.flush(ctx, batch)
				batch = make([]*Record, 0, b.config.BatchSize)
				ticker.Reset(b.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]*Record, 0, b.config.BatchSize)
			}
		}
	}
}

func (b *Batcher) flush(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(insertCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to write audit batch.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed audit batch.")
}
