// Package feeds supplies bot strategies with market data through one
// interface, whatever the transport underneath: REST polling, the MT5
// websocket, or broker events off the message queue.
package feeds

import (
	"context"

	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("feeds")

// FeedEvent is one normalized update: exactly one of Tick or Candle is set.
type FeedEvent struct {
	Tick   *common.PriceData
	Candle *common.CandleData
}

// MarketDataFeed is what bot runners consume.
type MarketDataFeed interface {
	Start(ctx context.Context) error
	Stop()
	// WarmupCandles returns recent history so a strategy can prime its
	// indicators before the first live event.
	WarmupCandles(ctx context.Context, count int) ([]common.CandleData, error)
	Events() <-chan FeedEvent
}

// CandleSource is the slice of the connector surface feeds actually need.
type CandleSource interface {
	GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]common.CandleData, error)
}

// Feed modes selectable via FEED_MODE.
const (
	ModePolling   = "polling"
	ModeWebsocket = "websocket"
	ModeBroker    = "broker"
)

// SelectMode returns the effective feed mode. Broker mode needs a configured
// message queue; without one it degrades to polling rather than failing.
func SelectMode(mode, amqpURL string) string {
	switch mode {
	case ModeBroker:
		if amqpURL == "" {
			log.Warn("FEED_MODE=broker but no AMQP_URL, falling back to polling")
			return ModePolling
		}
		return ModeBroker
	case ModeWebsocket:
		return ModeWebsocket
	case ModePolling, "":
		return ModePolling
	default:
		log.Warnf("unknown FEED_MODE %q, using polling", mode)
		return ModePolling
	}
}
