// Package mq wraps the RabbitMQ consumer side: one durable queue bound to a
// topic exchange, one consumer, manual acks.
package mq

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	amqp "github.com/rabbitmq/amqp091-go"

	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("mq")

// ConsumerConfig declares the topology the consumer asserts on connect.
type ConsumerConfig struct {
	URL         string
	Exchange    string // topic exchange, declared durable
	Queue       string // durable queue
	BindingKeys []string
	Prefetch    int // defaults to 1: one event in flight at a time
}

// Consumer owns the AMQP connection and redials with backoff when the broker
// drops it. Topology is re-asserted on every (re)connect.
type Consumer struct {
	cfg ConsumerConfig
	tag string

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer validates cfg; no I/O until Run.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mq: empty broker url")
	}
	if cfg.Exchange == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("mq: exchange and queue are required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{cfg: cfg, tag: consumerTag()}, nil
}

// consumerTag identifies this consumer in the broker's management UI. Stable
// per host so a bounced process shows up as the same consumer.
func consumerTag() string {
	id, err := machineid.ProtectedID("tradebridge")
	if err != nil || len(id) < 12 {
		return fmt.Sprintf("tradebridge-pid%d", os.Getpid())
	}
	return "tradebridge-" + id[:12]
}

func (c *Consumer) setup() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	for _, key := range c.cfg.BindingKeys {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind %s to %s: %w", key, c.cfg.Exchange, err)
		}
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, c.tag, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start consume: %w", err)
	}

	c.conn = conn
	c.ch = ch
	return deliveries, nil
}

// Run consumes until ctx is cancelled. handle owns the ack decision: it must
// Ack or Nack every delivery it receives.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, amqp.Delivery)) error {
	backoff := time.Second
	for {
		deliveries, err := c.setup()
		if err != nil {
			log.WithError(err).Warnf("broker unavailable, retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		log.WithFields(logger.Fields{
			"queue":    c.cfg.Queue,
			"exchange": c.cfg.Exchange,
			"tag":      c.tag,
		}).Info("consuming broker events")

		if err := c.consumeLoop(ctx, deliveries, handle); err != nil {
			return err
		}
		// Channel closed under us; redial.
		c.Close()
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				log.Warn("delivery channel closed, reconnecting")
				return nil
			}
			handleSafe(ctx, d, handle)
		}
	}
}

func handleSafe(ctx context.Context, d amqp.Delivery, handle func(context.Context, amqp.Delivery)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panic on %s: %v", d.RoutingKey, r)
			d.Nack(false, false)
		}
	}()
	handle(ctx, d)
}

// Close tears down the connection. Safe to call repeatedly.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
