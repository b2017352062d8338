package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-battle-api/internal/observability"
)

// RelayEvent carries a room frame between API nodes.
type RelayEvent struct {
	ID      string          `json:"id"`
	Source  string          `json:"source"`
	Room    string          `json:"room"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// RelayConfig selects the transports used to reach other nodes. Either may be nil.
type RelayConfig struct {
	Redis   *redis.Client
	NATS    *nats.Conn
	Channel string
}

// BattleRelay fans room frames out to other API nodes over Redis pub/sub and
// NATS. Events published by this node are ignored on receipt.
type BattleRelay struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	natsSub *nats.Subscription

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	seenNext  int
}

// relaySeenCapacity is how many recent event ids are remembered. With both
// transports enabled each event arrives twice, a few milliseconds apart.
const relaySeenCapacity = 1024

// NewBattleRelay creates a relay. It is a no-op when no transport is configured.
func NewBattleRelay(cfg RelayConfig, logger zerolog.Logger) *BattleRelay {
	base := strings.TrimSpace(cfg.Channel)
	if base == "" {
		base = "gema"
	}

	return &BattleRelay{
		redis:        cfg.Redis,
		redisChannel: base + ":battle",
		nats:         cfg.NATS,
		natsSubject:  strings.ReplaceAll(base, ":", ".") + ".battle",
		nodeID:       uuid.NewString(),
		seen:         make(map[string]struct{}, relaySeenCapacity),
		seenOrder:    make([]string, 0, relaySeenCapacity),
		logger:       logger.With().Str("component", "battle_relay").Logger(),
	}
}

// NodeID identifies this node in relayed events.
func (r *BattleRelay) NodeID() string {
	if r == nil {
		return ""
	}
	return r.nodeID
}

// Enabled reports whether any transport is configured.
func (r *BattleRelay) Enabled() bool {
	return r != nil && (r.redis != nil || r.nats != nil)
}

// Publish sends a frame to the other nodes. Transport failures are returned
// joined; local delivery is the caller's concern.
func (r *BattleRelay) Publish(ctx context.Context, room, frameType string, payload []byte) error {
	if !r.Enabled() {
		return nil
	}

	data, err := json.Marshal(RelayEvent{
		ID:      uuid.NewString(),
		Source:  r.nodeID,
		Room:    room,
		Type:    frameType,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	if r.redis != nil {
		if err := r.redis.Publish(ctx, r.redisChannel, data).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis publish: %w", err))
		} else {
			observability.BattleRelayEvents().WithLabelValues("redis", "out").Inc()
		}
	}
	if r.nats != nil {
		if err := r.nats.Publish(r.natsSubject, data); err != nil {
			errs = append(errs, fmt.Errorf("nats publish: %w", err))
		} else {
			observability.BattleRelayEvents().WithLabelValues("nats", "out").Inc()
		}
	}
	return errors.Join(errs...)
}

// Start subscribes to the configured transports and hands every foreign event
// to deliver. Subscriptions are confirmed before Start returns and end with ctx.
func (r *BattleRelay) Start(ctx context.Context, deliver func(RelayEvent)) error {
	if !r.Enabled() {
		return nil
	}

	if r.redis != nil {
		pubsub := r.redis.Subscribe(ctx, r.redisChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return fmt.Errorf("subscribe redis channel %s: %w", r.redisChannel, err)
		}
		r.mu.Lock()
		r.pubsub = pubsub
		r.mu.Unlock()
		go r.consumeRedis(ctx, pubsub, deliver)
	}

	if r.nats != nil {
		// every node must see every event, so no queue group
		sub, err := r.nats.Subscribe(r.natsSubject, func(msg *nats.Msg) {
			r.handle("nats", msg.Data, deliver)
		})
		if err != nil {
			return fmt.Errorf("subscribe nats subject %s: %w", r.natsSubject, err)
		}
		if err := r.nats.Flush(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to flush nats subscription")
		}
		r.mu.Lock()
		r.natsSub = sub
		r.mu.Unlock()
		go func() {
			<-ctx.Done()
			if err := sub.Drain(); err != nil {
				r.logger.Warn().Err(err).Msg("failed to drain battle nats subscription")
			}
		}()
	}

	return nil
}

// Close releases active subscriptions.
func (r *BattleRelay) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.pubsub != nil {
		errs = append(errs, r.pubsub.Close())
		r.pubsub = nil
	}
	if r.natsSub != nil {
		errs = append(errs, r.natsSub.Unsubscribe())
		r.natsSub = nil
	}
	return errors.Join(errs...)
}

func (r *BattleRelay) consumeRedis(ctx context.Context, pubsub *redis.PubSub, deliver func(RelayEvent)) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			r.logger.Error().Err(err).Msg("battle redis subscription closed")
			return
		}
		r.handle("redis", []byte(msg.Payload), deliver)
	}
}

func (r *BattleRelay) handle(transport string, data []byte, deliver func(RelayEvent)) {
	var event RelayEvent
	if err := json.Unmarshal(data, &event); err != nil {
		r.logger.Warn().Err(err).Str("transport", transport).Msg("invalid battle relay event")
		return
	}
	if event.Source == r.nodeID || event.Room == "" {
		return
	}
	if r.duplicate(event.ID) {
		return
	}

	observability.BattleRelayEvents().WithLabelValues(transport, "in").Inc()
	deliver(event)
}

func (r *BattleRelay) duplicate(id string) bool {
	if id == "" {
		return false
	}

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true
	}

	// seenOrder is a ring; once full the oldest id makes room for the new one.
	if len(r.seenOrder) < relaySeenCapacity {
		r.seenOrder = append(r.seenOrder, id)
	} else {
		delete(r.seen, r.seenOrder[r.seenNext])
		r.seenOrder[r.seenNext] = id
		r.seenNext = (r.seenNext + 1) % relaySeenCapacity
	}
	r.seen[id] = struct{}{}
	return false
}
