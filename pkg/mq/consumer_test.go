package mq

import (
	"strings"
	"testing"
)

func TestNewConsumerValidation(t *testing.T) {
	if _, err := NewConsumer(ConsumerConfig{}); err == nil {
		t.Error("empty url accepted")
	}
	if _, err := NewConsumer(ConsumerConfig{URL: "amqp://localhost"}); err == nil {
		t.Error("missing exchange/queue accepted")
	}

	c, err := NewConsumer(ConsumerConfig{
		URL:      "amqp://localhost",
		Exchange: "mt5.events",
		Queue:    "tradebridge.events",
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if c.cfg.Prefetch != 1 {
		t.Errorf("default prefetch = %d, want 1", c.cfg.Prefetch)
	}
}

func TestConsumerTagStable(t *testing.T) {
	a, b := consumerTag(), consumerTag()
	if a != b {
		t.Errorf("tag not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "tradebridge-") {
		t.Errorf("tag = %q", a)
	}
}
