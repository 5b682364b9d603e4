package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"presencerelay/internal/core/domain"
	"presencerelay/internal/core/ports"
	"presencerelay/pkg/circuitbreaker"
	"presencerelay/pkg/retry"
	"presencerelay/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventParticipantJoined EventType = "presence.joined"
	EventParticipantLeft   EventType = "presence.left"
	EventTakeover          EventType = "presence.takeover"
	EventTick              EventType = "presence.tick"
)

// Event is one entry of the presence feed.
type Event struct {
	Type          EventType            `json:"type"`
	InstanceID    string               `json:"instance_id"`
	Timestamp     time.Time            `json:"timestamp"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	ConnectionID  domain.ConnectionID  `json:"connection_id,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
}

// Publisher is the subset of *redis.Client the bus needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Config struct {
	Channel        string
	InstanceID     string
	QueueSize      int
	PublishTimeout time.Duration
	Retry          retry.Config
	Breaker        circuitbreaker.Config
}

func DefaultConfig() Config {
	return Config{
		Channel:        "presence:events",
		InstanceID:     utils.GenerateInstanceID(),
		QueueSize:      1024,
		PublishTimeout: 3 * time.Second,
		Retry:          retry.DefaultConfig(),
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// EventBus publishes presence events to a redis channel. The Publish*
// methods only enqueue; Run does the network I/O. While redis keeps failing
// the breaker opens and queued events are discarded without waiting.
type EventBus struct {
	client  Publisher
	cfg     Config
	queue   chan *Event
	breaker *circuitbreaker.CircuitBreaker
	dropped atomic.Uint64
	logger  *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(client Publisher, cfg Config, logger *zap.SugaredLogger) *EventBus {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = utils.GenerateInstanceID()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	eb := &EventBus{
		client:  client,
		cfg:     cfg,
		queue:   make(chan *Event, cfg.QueueSize),
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}
	if eb.cfg.Retry.OnRetry == nil {
		eb.cfg.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debugw("retrying event publish", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event feed circuit state changed", "from", from.String(), "to", to.String())
	})
	return eb
}

// Publish sends a single event synchronously, retrying transient failures.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.cfg.InstanceID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(func() error {
		return retry.Retry(ctx, eb.cfg.Retry, func() error {
			pctx := ctx
			if eb.cfg.PublishTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, eb.cfg.PublishTimeout)
				defer cancel()
			}
			return eb.client.Publish(pctx, eb.cfg.Channel, data).Err()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"participant_id", event.ParticipantID,
		"channel", eb.cfg.Channel,
	)
	return nil
}

// Run publishes queued events until ctx is done.
func (eb *EventBus) Run(ctx context.Context) error {
	eb.logger.Infow("event bus started", "channel", eb.cfg.Channel, "instance_id", eb.cfg.InstanceID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-eb.queue:
			if err := eb.Publish(ctx, event); err != nil {
				eb.logger.Warnw("dropping event after failed publish", "type", event.Type, "error", err)
			}
		}
	}
}

// Drain publishes whatever is still queued, stopping early when ctx is done.
// It returns the number of events published.
func (eb *EventBus) Drain(ctx context.Context) int {
	published := 0
	for {
		select {
		case <-ctx.Done():
			return published
		case event := <-eb.queue:
			if err := eb.Publish(ctx, event); err != nil {
				eb.logger.Warnw("dropping event during drain", "type", event.Type, "error", err)
				continue
			}
			published++
		default:
			return published
		}
	}
}

// Healthy returns circuitbreaker.ErrOpen while publishing is suspended.
func (eb *EventBus) Healthy() error {
	if eb.breaker.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	return nil
}

// Dropped reports how many events were discarded because the queue was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

func (eb *EventBus) PublishJoined(identity domain.Identity) {
	eb.enqueue(EventParticipantJoined, identity.ParticipantID, identity.ConnectionID, identity)
}

func (eb *EventBus) PublishLeft(identity domain.Identity) {
	eb.enqueue(EventParticipantLeft, identity.ParticipantID, identity.ConnectionID, identity)
}

func (eb *EventBus) PublishTakeover(identity domain.Identity, previous domain.ConnectionID) {
	eb.enqueue(EventTakeover, identity.ParticipantID, identity.ConnectionID, map[string]interface{}{
		"previous_connection_id": previous,
	})
}

func (eb *EventBus) PublishTick(snapshot domain.PresenceSnapshot) {
	eb.enqueue(EventTick, "", "", snapshot)
}

func (eb *EventBus) enqueue(t EventType, pid domain.ParticipantID, cid domain.ConnectionID, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		eb.logger.Errorw("failed to marshal event payload", "type", t, "error", err)
		return
	}

	event := &Event{
		Type:          t,
		Timestamp:     utils.Now().UTC(),
		ParticipantID: pid,
		ConnectionID:  cid,
		Payload:       data,
	}

	select {
	case eb.queue <- event:
	default:
		eb.dropped.Add(1)
		eb.logger.Debugw("event queue full, dropping event", "type", t)
	}
}

var _ ports.PresencePublisher = (*EventBus)(nil)
