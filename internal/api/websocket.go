package api

import (
	"context"
	"net/http"
	"time"

	"tradebridge/internal/events"
	"tradebridge/pkg/connectors/common"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsAccount streams account snapshots and position events for one account.
func (s *Server) wsAccount(c *gin.Context) {
	s.streamGroup(c, events.AccountGroup(c.Param("id")), nil, nil)
}

// wsPrices streams ticks for one symbol. The connection holds a headless
// ref for its lifetime so the upstream feed stays open exactly as long as
// someone is listening.
func (s *Server) wsPrices(c *gin.Context) {
	accountID, symbol := c.Param("id"), c.Param("symbol")

	acquire := func(ctx context.Context) error {
		return s.Headless.AcquirePrice(ctx, accountID, symbol)
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Headless.ReleasePrice(ctx, accountID, symbol)
	}
	s.streamGroup(c, events.PricesGroup(accountID, symbol), acquire, release)
}

// wsCandles streams closed bars for one symbol and timeframe.
func (s *Server) wsCandles(c *gin.Context) {
	accountID, symbol, tf := c.Param("id"), c.Param("symbol"), c.Param("tf")
	if !common.ValidTimeframe(tf) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_TIMEFRAME",
			"error": "unknown timeframe " + tf,
		})
		return
	}

	acquire := func(ctx context.Context) error {
		return s.Headless.AcquireCandles(ctx, accountID, symbol, tf)
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Headless.ReleaseCandles(ctx, accountID, symbol, tf)
	}
	s.streamGroup(c, events.CandlesGroup(accountID, symbol, tf), acquire, release)
}

// streamGroup upgrades the connection and copies the bus group to it until
// either side goes away. acquire/release bracket the headless ref.
func (s *Server) streamGroup(c *gin.Context, group events.Group, acquire func(context.Context) error, release func()) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	if acquire != nil {
		if err := acquire(c.Request.Context()); err != nil {
			log.WithError(err).WithField("group", string(group)).Warn("ws subscribe failed")
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			return
		}
	}
	if release != nil {
		defer release()
	}

	if s.Metrics != nil {
		s.Metrics.AddWSClient(1)
		defer s.Metrics.AddWSClient(-1)
	}

	stream, unsub := s.Bus.Subscribe(group, 100)
	defer unsub()

	// Drain reads so client close frames are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
