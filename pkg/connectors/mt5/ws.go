package mt5

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradebridge/pkg/connectors/common"
)

// runWS reads gateway push events and feeds caches and listeners. The loop is
// normally disabled; the HTTP path and the message bus carry the same data.
// Reconnects with a flat backoff until the context is cancelled.
func (c *Client) runWS(ctx context.Context) {
	u := fmt.Sprintf("%s?login=%d", c.cfg.WSURL, c.cfg.Login)
	header := map[string][]string{}
	if c.cfg.ServiceToken != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.ServiceToken}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
		if err != nil {
			log.WithError(err).Warn("mt5 ws dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		c.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			log.WithError(err).Warn("mt5 ws read error")
			return
		}
		c.dispatchWSMessage(msg)
	}
}

func (c *Client) dispatchWSMessage(msg []byte) {
	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.WithError(err).Debug("mt5 ws parse error")
		return
	}

	switch frame.Type {
	case "account.info", "account_info":
		var wire wireAccountInfo
		if err := json.Unmarshal(frame.Data, &wire); err != nil {
			return
		}
		info := wire.normalize()
		c.mu.Lock()
		c.lastInfo = &info
		c.lastInfoAt = time.Now()
		c.mu.Unlock()
		c.listeners.fireAccountInfo(info)

	case "positions.snapshot", "positions":
		var wire struct {
			Positions []wirePosition `json:"positions"`
		}
		if err := json.Unmarshal(frame.Data, &wire); err != nil {
			return
		}
		positions := make([]common.PositionInfo, 0, len(wire.Positions))
		for _, p := range wire.Positions {
			positions = append(positions, p.normalize())
		}
		c.mu.Lock()
		c.lastPositions = positions
		c.lastPosAt = time.Now()
		c.mu.Unlock()
		for _, p := range positions {
			c.listeners.firePositionUpdate(p)
		}

	case "price.tick", "price":
		var wire wirePrice
		if err := json.Unmarshal(frame.Data, &wire); err != nil {
			return
		}
		price := wire.normalize(wire.Symbol)
		c.mu.Lock()
		c.lastPrices[price.Symbol] = price
		c.mu.Unlock()
		c.listeners.firePrice(price)

	case "candle.update", "candle":
		var wire struct {
			Symbol    string `json:"symbol"`
			Timeframe string `json:"timeframe"`
			wireCandle
		}
		if err := json.Unmarshal(frame.Data, &wire); err != nil || wire.Symbol == "" {
			return
		}
		c.listeners.fireCandle(wire.wireCandle.normalize(wire.Symbol, wire.Timeframe))

	case "position.closed", "position_closed":
		var wire struct {
			Ticket int64 `json:"ticket"`
		}
		if err := json.Unmarshal(frame.Data, &wire); err != nil {
			return
		}
		c.listeners.firePositionClosed(formatTicket(wire.Ticket))
	}
}
