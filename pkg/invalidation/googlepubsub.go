package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// GooglePubsubConfig names the topic invalidations are published to and the
// subscription this process receives them from. Pub/Sub load-balances a subscription
// across its receivers, so SubscriptionID must not be shared between processes; leave
// it empty to have each process create its own with NewGoogleProcessSubscriber.
type GooglePubsubConfig struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	// ExistsTimeout bounds the startup check that the topic or subscription exists.
	ExistsTimeout time.Duration
}

// LoadDefaultGooglePubsubConfig reads the Pub/Sub names from the environment.
// An empty TopicID means Pub/Sub invalidation is disabled.
func LoadDefaultGooglePubsubConfig() *GooglePubsubConfig {
	return &GooglePubsubConfig{
		ProjectID:      os.Getenv("GOOGLE_CLOUD_PROJECT"),
		TopicID:        os.Getenv("APISYNC_INVALIDATION_TOPIC"),
		SubscriptionID: os.Getenv("APISYNC_INVALIDATION_SUBSCRIPTION"),
		ExistsTimeout:  15 * time.Second,
	}
}

// GooglePublisher publishes invalidation events to a Pub/Sub topic.
type GooglePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGooglePublisher creates a GooglePublisher after checking that the topic exists.
func NewGooglePublisher(ctx context.Context, cfg *GooglePubsubConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for publisher")
	}
	topic := client.Topic(cfg.TopicID)
	// Invalidations are rare and latency matters more than batching.
	topic.PublishSettings.CountThreshold = 1
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond

	existsCtx, cancel := context.WithTimeout(ctx, existsTimeout(cfg))
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("GooglePublisher initialized successfully.")
	return &GooglePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GooglePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish sends ev and waits for the server to confirm it.
func (p *GooglePublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"origin": ev.Origin},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish invalidation for %s: %w", ev.Prefix, err)
	}
	p.logger.Debug().Str("msg_id", id).Str("prefix", ev.Prefix).Msg("Published invalidation.")
	return nil
}

// Stop flushes pending publishes.
func (p *GooglePublisher) Stop() {
	p.topic.Stop()
}

// processSubscriptionTTL lets Pub/Sub remove a per-process subscription whose owner died
// without deleting it. One day is the shortest expiration the service accepts.
const processSubscriptionTTL = 24 * time.Hour

// GoogleSubscriber receives invalidation events from a Pub/Sub subscription.
type GoogleSubscriber struct {
	subscription *pubsub.Subscription
	owned        bool
	logger       zerolog.Logger
}

// NewGoogleSubscriber creates a GoogleSubscriber after checking that the subscription exists.
func NewGoogleSubscriber(ctx context.Context, cfg *GooglePubsubConfig, client *pubsub.Client, logger zerolog.Logger) (*GoogleSubscriber, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for subscriber")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, existsTimeout(cfg))
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 100
	sub.ReceiveSettings.NumGoroutines = 1

	logger.Info().Str("subscription_id", cfg.SubscriptionID).Msg("GoogleSubscriber initialized successfully.")
	return &GoogleSubscriber{
		subscription: sub,
		logger:       logger.With().Str("component", "GoogleSubscriber").Str("subscription_id", cfg.SubscriptionID).Logger(),
	}, nil
}

// NewGoogleProcessSubscriber creates a subscription on cfg.TopicID for this process alone,
// named "<topic>-<origin>", so every process sees every invalidation. Close deletes it.
func NewGoogleProcessSubscriber(ctx context.Context, cfg *GooglePubsubConfig, client *pubsub.Client, origin string, logger zerolog.Logger) (*GoogleSubscriber, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for subscriber")
	}
	if cfg.TopicID == "" || origin == "" {
		return nil, errors.New("topic id and origin are required for a process subscription")
	}
	subID := fmt.Sprintf("%s-%s", cfg.TopicID, origin)

	createCtx, cancel := context.WithTimeout(ctx, existsTimeout(cfg))
	defer cancel()
	sub, err := client.CreateSubscription(createCtx, subID, pubsub.SubscriptionConfig{
		Topic:            client.Topic(cfg.TopicID),
		AckDeadline:      10 * time.Second,
		ExpirationPolicy: processSubscriptionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", subID, err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 100
	sub.ReceiveSettings.NumGoroutines = 1

	logger.Info().Str("subscription_id", subID).Msg("GoogleSubscriber created process subscription.")
	return &GoogleSubscriber{
		subscription: sub,
		owned:        true,
		logger:       logger.With().Str("component", "GoogleSubscriber").Str("subscription_id", subID).Logger(),
	}, nil
}

// SubscriptionID returns the subscription the subscriber receives from.
func (s *GoogleSubscriber) SubscriptionID() string {
	return s.subscription.ID()
}

// Close deletes the subscription if this subscriber created it.
func (s *GoogleSubscriber) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.subscription.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", s.subscription.ID(), err)
	}
	s.logger.Info().Msg("Process subscription deleted.")
	return nil
}

// Run receives until ctx is done. Malformed messages are acked and dropped.
func (s *GoogleSubscriber) Run(ctx context.Context, handle func(Event)) error {
	s.logger.Info().Msg("Starting invalidation receive loop...")
	err := s.subscription.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed invalidation message.")
			msg.Ack()
			return
		}
		handle(ev)
		msg.Ack()
	})
	s.logger.Info().Msg("Invalidation receive loop stopped.")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

func existsTimeout(cfg *GooglePubsubConfig) time.Duration {
	if cfg.ExistsTimeout > 0 {
		return cfg.ExistsTimeout
	}
	return 15 * time.Second
}
