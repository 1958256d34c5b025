package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/audit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockInserter is a mock implementation of audit.DataBatchInserter.
type mockInserter struct {
	mu            sync.Mutex
	batches       [][]*audit.Record
	closed        bool
	InsertBatchFn func(ctx context.Context, records []*audit.Record) error
}

func (m *mockInserter) InsertBatch(ctx context.Context, records []*audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, records)
	if m.InsertBatchFn != nil {
		return m.InsertBatchFn(ctx, records)
	}
	return nil
}

func (m *mockInserter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockInserter) getBatches() [][]*audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func newTestBatcher(t *testing.T, batchSize int, flushInterval time.Duration) (*audit.Batcher, *mockInserter) {
	t.Helper()
	inserter := &mockInserter{}
	batcher, err := audit.NewBatcher(&audit.BatcherConfig{
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		InsertTimeout: 2 * time.Second,
	}, inserter, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	batcher.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		assert.NoError(t, batcher.Stop(stopCtx))
	})
	return batcher, inserter
}

func TestNewBatcher_Validation(t *testing.T) {
	_, err := audit.NewBatcher(nil, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = audit.NewBatcher(&audit.BatcherConfig{BatchSize: 0, FlushInterval: time.Second}, &mockInserter{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBatcher_BatchSizeTrigger(t *testing.T) {
	batcher, inserter := newTestBatcher(t, 3, 10*time.Second)

	for i := 0; i < 3; i++ {
		require.True(t, batcher.Submit(audit.NewRecord("create", "/clients", true, "")))
	}

	require.Eventually(t, func() bool { return len(inserter.getBatches()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, inserter.getBatches()[0], 3)
}

func TestBatcher_FlushIntervalTrigger(t *testing.T) {
	batcher, inserter := newTestBatcher(t, 10, 50*time.Millisecond)

	batcher.Submit(audit.NewRecord("delete", "/projects/7", false, "not allowed"))

	require.Eventually(t, func() bool { return len(inserter.getBatches()) == 1 }, time.Second, 10*time.Millisecond)
	rec := inserter.getBatches()[0][0]
	assert.Equal(t, "delete", rec.Operation)
	assert.False(t, rec.Success)
	assert.Equal(t, "not allowed", rec.Error)
	assert.NotEmpty(t, rec.ID)
}

func TestBatcher_StopFlushesAndRejects(t *testing.T) {
	inserter := &mockInserter{}
	batcher, err := audit.NewBatcher(&audit.BatcherConfig{BatchSize: 10, FlushInterval: time.Hour}, inserter, zerolog.Nop())
	require.NoError(t, err)
	batcher.Start(context.Background())

	batcher.Submit(audit.NewRecord("update", "/teams/1", true, ""))
	batcher.Submit(audit.NewRecord("update", "/teams/2", true, ""))

	// Act
	require.NoError(t, batcher.Stop(context.Background()))

	// Assert
	batches := inserter.getBatches()
	require.Len(t, batches, 1, "the final partial batch is flushed on stop")
	assert.Len(t, batches[0], 2)
	assert.True(t, inserter.closed)
	assert.False(t, batcher.Submit(audit.NewRecord("create", "/teams", true, "")), "a stopped batcher rejects records")
	assert.NoError(t, batcher.Stop(context.Background()))
}

func TestBatcher_InsertFailureIsLoggedNotFatal(t *testing.T) {
	batcher, inserter := newTestBatcher(t, 1, time.Hour)
	inserter.mu.Lock()
	inserter.InsertBatchFn = func(context.Context, []*audit.Record) error { return errors.New("quota exceeded") }
	inserter.mu.Unlock()

	batcher.Submit(audit.NewRecord("create", "/clients", true, ""))
	batcher.Submit(audit.NewRecord("create", "/clients", true, ""))

	require.Eventually(t, func() bool { return len(inserter.getBatches()) == 2 }, time.Second, 10*time.Millisecond)
}
