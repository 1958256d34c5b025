// Command apisync-agent runs the sync layer as a sidecar: it keeps a set of API resources
// warm in a shared cache, follows invalidations from other processes, proxies mutations
// through the CRUD helper and exposes health, metrics and cache inspection over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-apisync/pkg/apiclient"
	"github.com/illmade-knight/go-apisync/pkg/audit"
	"github.com/illmade-knight/go-apisync/pkg/cache"
	"github.com/illmade-knight/go-apisync/pkg/invalidation"
	"github.com/illmade-knight/go-apisync/pkg/metrics"
	"github.com/illmade-knight/go-apisync/pkg/microservice"
	"github.com/illmade-knight/go-apisync/pkg/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// agentConfig holds the settings that only the agent itself uses.
type agentConfig struct {
	WatchKeys        []string
	WatchInterval    time.Duration
	FirestoreProject string
}

func loadAgentConfig() *agentConfig {
	cfg := &agentConfig{
		WatchInterval:    30 * time.Second,
		FirestoreProject: os.Getenv("APISYNC_FIRESTORE_PROJECT"),
	}
	for _, key := range strings.Split(os.Getenv("APISYNC_WATCH_KEYS"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			cfg.WatchKeys = append(cfg.WatchKeys, key)
		}
	}
	if interval := os.Getenv("APISYNC_WATCH_INTERVAL"); interval != "" {
		if val, err := time.ParseDuration(interval); err == nil {
			cfg.WatchInterval = val
		}
	}
	return cfg
}

func main() {
	baseCfg := microservice.LoadDefaultBaseConfig()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", baseCfg.ServiceName).Logger()
	if level, err := zerolog.ParseLevel(baseCfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, baseCfg, loadAgentConfig(), logger); err != nil {
		logger.Fatal().Err(err).Msg("Agent failed.")
	}
}

func run(ctx context.Context, baseCfg *microservice.BaseConfig, agentCfg *agentConfig, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheus(nil, reg)
	if err != nil {
		return err
	}

	client, err := apiclient.New(apiclient.LoadDefaultConfig(), nil, logger)
	if err != nil {
		return err
	}

	store, err := cache.NewStore(cache.LoadDefaultStoreConfig(), logger, cache.WithMetrics(recorder))
	if err != nil {
		return err
	}

	var routes []cache.Route
	if agentCfg.FirestoreProject != "" {
		fsClient, err := firestore.NewClient(ctx, agentCfg.FirestoreProject)
		if err != nil {
			return err
		}
		defer func() { _ = fsClient.Close() }()
		source, err := cache.NewFirestoreSource(&cache.FirestoreConfig{ProjectID: agentCfg.FirestoreProject}, fsClient, logger)
		if err != nil {
			return err
		}
		routes = append(routes, cache.Route{Prefix: "fs:", StripPrefix: true, Fetcher: source.Fetch})
	}
	mux, err := cache.NewMux(client.Fetcher(), routes...)
	if err != nil {
		return err
	}

	engine, err := query.New(query.LoadDefaultConfig(), store, mux.Fetch, logger, query.WithMetrics(recorder))
	if err != nil {
		return err
	}
	defer engine.Close()
	client.OnReconnect(engine.NotifyReconnect)

	broadcaster, shutdownInvalidation, err := startInvalidation(ctx, store, logger)
	if err != nil {
		return err
	}
	defer shutdownInvalidation()

	auditor, shutdownAudit, err := startAudit(ctx, logger)
	if err != nil {
		return err
	}
	defer shutdownAudit()

	server := microservice.NewBaseServer(logger, baseCfg.HTTPPort, reg, store)
	server.Mux().Handle("/mutate/", newMutationProxy(client, broadcaster, auditor, logger))
	if err := server.Start(); err != nil {
		return err
	}

	for _, key := range agentCfg.WatchKeys {
		q := engine.Use(key, query.WithRefreshInterval(agentCfg.WatchInterval))
		defer q.Close()
		watchLogger := logger.With().Str("key", key).Logger()
		q.Subscribe(func(s query.State) {
			if s.Err != nil && !s.IsValidating {
				watchLogger.Warn().Err(s.Err).Msg("Watched key is serving an error.")
			}
		})
	}
	logger.Info().Strs("watch_keys", agentCfg.WatchKeys).Msg("Agent started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// startInvalidation picks Pub/Sub, then Redis, then local-only invalidation, whichever is configured.
func startInvalidation(ctx context.Context, store *cache.Store, logger zerolog.Logger) (*invalidation.Broadcaster, func(), error) {
	psCfg := invalidation.LoadDefaultGooglePubsubConfig()
	if psCfg.TopicID != "" {
		psClient, err := pubsub.NewClient(ctx, psCfg.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		publisher, err := invalidation.NewGooglePublisher(ctx, psCfg, psClient, logger)
		if err != nil {
			_ = psClient.Close()
			return nil, nil, err
		}
		broadcaster := invalidation.NewBroadcaster(store, publisher, logger)
		// A shared subscription would split events between replicas, so without an
		// explicit one each process gets its own.
		var subscriber *invalidation.GoogleSubscriber
		if psCfg.SubscriptionID != "" {
			subscriber, err = invalidation.NewGoogleSubscriber(ctx, psCfg, psClient, logger)
		} else {
			subscriber, err = invalidation.NewGoogleProcessSubscriber(ctx, psCfg, psClient, broadcaster.Origin(), logger)
		}
		if err != nil {
			publisher.Stop()
			_ = psClient.Close()
			return nil, nil, err
		}
		go listen(ctx, broadcaster, subscriber, logger)
		return broadcaster, func() {
			publisher.Stop()
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := subscriber.Close(closeCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove invalidation subscription.")
			}
			_ = psClient.Close()
		}, nil
	}

	redisCfg := invalidation.LoadDefaultRedisConfig()
	if redisCfg.Addr != "" {
		transport, err := invalidation.NewRedisTransport(ctx, redisCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		broadcaster := invalidation.NewBroadcaster(store, transport, logger)
		go listen(ctx, broadcaster, transport, logger)
		return broadcaster, func() { _ = transport.Close() }, nil
	}

	logger.Info().Msg("No invalidation transport configured; invalidations stay local.")
	return invalidation.NewBroadcaster(store, nil, logger), func() {}, nil
}

func listen(ctx context.Context, b *invalidation.Broadcaster, sub invalidation.Subscriber, logger zerolog.Logger) {
	if err := b.Listen(ctx, sub); err != nil {
		logger.Error().Err(err).Msg("Invalidation listener stopped.")
	}
}

// startAudit returns a nil auditor when no audit dataset is configured.
func startAudit(ctx context.Context, logger zerolog.Logger) (*audit.Batcher, func(), error) {
	bqCfg := audit.LoadDefaultBigQueryConfig()
	if bqCfg.DatasetID == "" {
		return nil, func() {}, nil
	}

	bqClient, err := audit.NewBigQueryClient(ctx, bqCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	inserter, err := audit.NewBigQueryInserter(ctx, bqClient, bqCfg, logger)
	if err != nil {
		_ = bqClient.Close()
		return nil, nil, err
	}
	batcher, err := audit.NewBatcher(audit.LoadDefaultBatcherConfig(), inserter, logger)
	if err != nil {
		_ = bqClient.Close()
		return nil, nil, err
	}
	batcher.Start(context.Background())

	return batcher, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := batcher.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Audit batcher did not stop cleanly.")
		}
		_ = bqClient.Close()
	}, nil
}
