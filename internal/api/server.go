// Package api exposes the connector operations over HTTP and fans bus
// groups out to websocket clients.
package api

import (
	"net/http"
	"time"

	"tradebridge/internal/events"
	"tradebridge/internal/headless"
	"tradebridge/internal/monitor"
	"tradebridge/internal/registry"
	"tradebridge/internal/tradesync"
	"tradebridge/pkg/db"
	"tradebridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var log = logger.WithComponent("api")

// Server wires HTTP endpoints around the connector registry and event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Registry *registry.Manager
	Headless *headless.Orchestrator
	Sync     *tradesync.Worker
	Queries  *db.Queries
	Metrics  *monitor.SystemMetrics

	JWTSecret      string
	serviceKeyHash []byte

	Meta SystemMeta
}

// SystemMeta describes runtime status exposed to callers.
type SystemMeta struct {
	Version        string
	FeedMode       string
	EventsExchange string
	AMQPEnabled    bool
	RedisEnabled   bool
}

func NewServer(bus *events.Bus, reg *registry.Manager, orch *headless.Orchestrator, syncer *tradesync.Worker, queries *db.Queries, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret, serviceKey string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	// Hash once so the plaintext key is not retained; comparison is
	// constant-time via bcrypt.
	var keyHash []byte
	if serviceKey != "" {
		if h, err := bcrypt.GenerateFromPassword([]byte(serviceKey), bcrypt.DefaultCost); err == nil {
			keyHash = h
		} else {
			log.WithError(err).Error("failed to hash service key; token endpoint disabled")
		}
	}

	s := &Server{
		Router:         r,
		Bus:            bus,
		Registry:       reg,
		Headless:       orch,
		Sync:           syncer,
		Queries:        queries,
		Metrics:        metrics,
		JWTSecret:      jwtSecret,
		serviceKeyHash: keyHash,
		Meta:           meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	// Websocket feeds mirror the bus group naming.
	s.Router.GET("/ws/account/:id", s.wsAccount)
	s.Router.GET("/ws/prices/:id/:symbol", s.wsPrices)
	s.Router.GET("/ws/candles/:id/:symbol/:tf", s.wsCandles)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)

		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/accounts/:id/info", s.getAccountInfo)
			protected.GET("/accounts/:id/positions", s.getOpenPositions)
			protected.GET("/accounts/:id/positions/:position_id", s.getPositionDetails)
			protected.POST("/accounts/:id/trades", s.placeTrade)
			protected.POST("/accounts/:id/positions/:position_id/close", s.closePosition)
			protected.PUT("/accounts/:id/positions/:position_id/protection", s.modifyProtection)
			protected.DELETE("/accounts/:id/orders/:order_id", s.cancelOrder)

			protected.GET("/accounts/:id/price/:symbol", s.getLivePrice)
			protected.GET("/accounts/:id/candles/:symbol", s.getCandles)
			protected.GET("/accounts/:id/symbols", s.getSupportedSymbols)
			protected.GET("/accounts/:id/symbols/:symbol", s.getSymbolInfo)

			protected.POST("/accounts/:id/subscriptions/prices/:symbol", s.subscribePrice)
			protected.DELETE("/accounts/:id/subscriptions/prices/:symbol", s.unsubscribePrice)
			protected.POST("/accounts/:id/subscriptions/candles/:symbol/:tf", s.subscribeCandles)
			protected.DELETE("/accounts/:id/subscriptions/candles/:symbol/:tf", s.unsubscribeCandles)

			protected.POST("/accounts/:id/sync", s.triggerSync)

			protected.GET("/pool/stats", s.getPoolStats)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
