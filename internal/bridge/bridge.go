package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradebridge/internal/events"
	"tradebridge/pkg/cache"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("bridge")

// BindingKeys are the topic patterns the event queue is bound with.
var BindingKeys = []string{"account.#", "price.#", "candle.#", "positions.#", "position.#"}

// Syncer enqueues an account for trade synchronization. Implemented by
// tradesync.Worker.
type Syncer interface {
	Enqueue(accountID string) bool
}

// Bridge turns raw queue deliveries into fan-out publishes. One instance,
// one in-flight event at a time; ordering within a routing key is preserved
// by the prefetch-1 consumer.
type Bridge struct {
	resolver *Resolver
	dedupe   cache.TTLCache
	ttl      time.Duration
	bus      *events.Bus
	syncer   Syncer
	stats    Stats
}

// Stats holds optional counter hooks so the service can track bridge
// outcomes without this package importing its metrics.
type Stats struct {
	Consumed func()
	Deduped  func()
	Ticks    func()
}

func New(resolver *Resolver, dedupe cache.TTLCache, ttl time.Duration, bus *events.Bus, syncer Syncer) *Bridge {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Bridge{resolver: resolver, dedupe: dedupe, ttl: ttl, bus: bus, syncer: syncer}
}

// WithStats installs counter hooks. Nil funcs are allowed.
func (b *Bridge) WithStats(s Stats) *Bridge {
	b.stats = s
	return b
}

func count(fn func()) {
	if fn != nil {
		fn()
	}
}

// Handle processes one delivery and always settles it: ack for handled or
// dropped events, nack+requeue only for transient failures. There is no
// dead-letter exchange; a poison message that keeps failing transiently will
// bounce, which is a known gap.
func (b *Bridge) Handle(ctx context.Context, d amqp.Delivery) {
	count(b.stats.Consumed)

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.WithError(err).WithField("routing_key", d.RoutingKey).Warn("malformed event dropped")
		_ = d.Ack(false)
		return
	}

	if b.dedupe != nil {
		won, err := b.dedupe.SetNX(ctx, "event:"+env.ID(), "1", b.ttl)
		if err != nil {
			// Cache down: prefer a possible duplicate over losing the event.
			log.WithError(err).Warn("dedupe cache unavailable")
		} else if !won {
			count(b.stats.Deduped)
			_ = d.Ack(false)
			return
		}
	}

	accountID, err := b.resolver.Resolve(ctx, &env)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			log.WithFields(logger.Fields{
				"type":         env.Type,
				"broker_login": env.BrokerLogin,
				"account_id":   env.AccountID,
			}).Warn("event for unknown account dropped")
			_ = d.Ack(false)
			return
		}
		log.WithError(err).Warn("account resolution failed, requeueing")
		_ = d.Nack(false, true)
		return
	}

	b.dispatch(accountID, &env)
	_ = d.Ack(false)
}

func (b *Bridge) dispatch(accountID string, env *Envelope) {
	eventType := canonicalType(env.Type)
	switch eventType {
	case "position.closed":
		b.bus.Publish(events.AccountGroup(accountID), events.Message{Type: eventType, Data: env.Payload})
		if b.syncer != nil {
			b.syncer.Enqueue(accountID)
		}

	case "positions.snapshot", "account.info", "orders.pending":
		b.bus.Publish(events.AccountGroup(accountID), events.Message{Type: eventType, Data: env.Payload})

	case "price.tick":
		tick, ok := parseTick(env.Payload)
		if !ok {
			log.WithField("account", accountID).Warn("price tick missing symbol, dropped")
			return
		}
		b.bus.Publish(events.PricesGroup(accountID, tick.Symbol), tick)
		count(b.stats.Ticks)

	case "candle.update":
		candle, ok := parseCandle(env.Payload)
		if !ok {
			log.WithField("account", accountID).Warn("candle update missing symbol/timeframe, dropped")
			return
		}
		b.bus.Publish(events.CandlesGroup(accountID, candle.Symbol, candle.Timeframe), candle)

	default:
		log.WithFields(logger.Fields{"type": env.Type, "account": accountID}).
			Debug("unrouted event type dropped")
	}
}

func parseTick(payload json.RawMessage) (common.PriceData, bool) {
	var wire struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Time   int64   `json:"time"` // unix milliseconds
	}
	if err := json.Unmarshal(payload, &wire); err != nil || wire.Symbol == "" {
		return common.PriceData{}, false
	}
	ts := time.Now().UTC()
	if wire.Time > 0 {
		ts = time.UnixMilli(wire.Time).UTC()
	}
	return common.PriceData{Symbol: wire.Symbol, Bid: wire.Bid, Ask: wire.Ask, Timestamp: ts}, true
}

func parseCandle(payload json.RawMessage) (common.CandleData, bool) {
	var wire struct {
		Symbol     string  `json:"symbol"`
		Timeframe  string  `json:"timeframe"`
		Time       int64   `json:"time"` // unix seconds, bar open
		Open       float64 `json:"open"`
		High       float64 `json:"high"`
		Low        float64 `json:"low"`
		Close      float64 `json:"close"`
		TickVolume float64 `json:"tick_volume"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil || wire.Symbol == "" || wire.Timeframe == "" {
		return common.CandleData{}, false
	}
	return common.CandleData{
		Symbol:    wire.Symbol,
		Timeframe: wire.Timeframe,
		OpenTime:  time.Unix(wire.Time, 0).UTC(),
		Open:      wire.Open,
		High:      wire.High,
		Low:       wire.Low,
		Close:     wire.Close,
		Volume:    wire.TickVolume,
	}, true
}
