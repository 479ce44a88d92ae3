package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradebridge/internal/monitor"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/db"

	"github.com/gin-gonic/gin"
)

type placeTradeRequest struct {
	Symbol         string  `json:"symbol" binding:"required,min=1"`
	Side           string  `json:"side" binding:"required,oneof=BUY SELL"`
	Type           string  `json:"type" binding:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Volume         float64 `json:"volume" binding:"gt=0"`
	Price          float64 `json:"price"`
	StopLoss       float64 `json:"stop_loss"`
	TakeProfit     float64 `json:"take_profit"`
	StopLossPips   float64 `json:"stop_loss_pips"`
	TakeProfitPips float64 `json:"take_profit_pips"`
	Comment        string  `json:"comment"`
}

type closePositionRequest struct {
	Symbol string  `json:"symbol"`
	Volume float64 `json:"volume"` // 0 closes the full position
}

type modifyProtectionRequest struct {
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

type candlesQuery struct {
	Timeframe string `form:"timeframe"`
	Count     int    `form:"count"`
}

func (q *candlesQuery) normalize() {
	if q.Timeframe == "" {
		q.Timeframe = "M15"
	}
	if q.Count <= 0 {
		q.Count = 100
	}
	if q.Count > 1000 {
		q.Count = 1000
	}
}

// connector resolves the account's connector through the registry pool.
func (s *Server) connector(c *gin.Context) (common.Connector, string, bool) {
	accountID := c.Param("id")
	conn, err := s.Registry.GetOrCreate(c.Request.Context(), accountID)
	if err != nil {
		registryError(c, err)
		return nil, "", false
	}
	return conn, accountID, true
}

func (s *Server) connectorTimer() *monitor.Timer {
	if s.Metrics == nil {
		return nil
	}
	return monitor.NewTimer(s.Metrics.ConnectorLatency)
}

func stopTimer(t *monitor.Timer) {
	if t != nil {
		t.Stop()
	}
}

// getAccountInfo returns the normalized account snapshot.
func (s *Server) getAccountInfo(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	t := s.connectorTimer()
	info, err := conn.GetAccountInfo(c.Request.Context())
	stopTimer(t)
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, info)
}

// getOpenPositions returns all open positions on the account.
func (s *Server) getOpenPositions(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	positions, err := conn.GetOpenPositions(c.Request.Context())
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	if positions == nil {
		positions = []common.PositionInfo{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPositionDetails(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	position, err := conn.GetPositionDetails(c.Request.Context(), c.Param("position_id"))
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, position)
}

// placeTrade submits a normalized trade to the account's platform.
func (s *Server) placeTrade(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	var req placeTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	orderType := common.OrderType(strings.ToUpper(req.Type))
	if orderType != common.OrderTypeMarket && req.Price <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_PRICE", "price must be > 0 for pending orders")
		return
	}

	t := s.connectorTimer()
	result, err := conn.PlaceTrade(c.Request.Context(), common.TradeRequest{
		Symbol:         req.Symbol,
		Side:           common.Side(strings.ToUpper(req.Side)),
		Type:           orderType,
		Volume:         req.Volume,
		Price:          req.Price,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		StopLossPips:   req.StopLossPips,
		TakeProfitPips: req.TakeProfitPips,
		Comment:        req.Comment,
	})
	stopTimer(t)
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	if s.Metrics != nil {
		s.Metrics.IncrementTrades()
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) closePosition(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	var req closePositionRequest
	// Body is optional: absent means close the full position.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
			return
		}
	}
	if req.Volume < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_VOLUME", "volume must be >= 0")
		return
	}

	t := s.connectorTimer()
	result, err := conn.ClosePosition(c.Request.Context(), c.Param("position_id"), req.Volume, req.Symbol)
	stopTimer(t)
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, result)
}

func (s *Server) modifyProtection(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	var req modifyProtectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.StopLoss == nil && req.TakeProfit == nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "stop_loss or take_profit is required")
		return
	}

	symbol := c.Query("symbol")
	err := conn.ModifyPositionProtection(c.Request.Context(), c.Param("position_id"), symbol, req.StopLoss, req.TakeProfit)
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, gin.H{"status": "modified"})
}

func (s *Server) cancelOrder(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	if err := conn.CancelOrder(c.Request.Context(), c.Param("order_id")); err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) getLivePrice(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	price, err := conn.GetLivePrice(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, price)
}

func (s *Server) getCandles(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	var q candlesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	if !common.ValidTimeframe(q.Timeframe) {
		respondError(c, http.StatusBadRequest, "INVALID_TIMEFRAME", "unknown timeframe "+q.Timeframe)
		return
	}

	candles, err := conn.GetHistoricalCandles(c.Request.Context(), c.Param("symbol"), q.Timeframe, q.Count)
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.Header("X-Result-Limit", strconv.Itoa(q.Count))
	if candles == nil {
		candles = []common.CandleData{}
	}
	c.JSON(http.StatusOK, candles)
}

func (s *Server) getSymbolInfo(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	info, err := conn.GetSymbolInfo(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	c.JSON(http.StatusOK, info)
}

func (s *Server) getSupportedSymbols(c *gin.Context) {
	conn, accountID, ok := s.connector(c)
	if !ok {
		return
	}

	symbols, err := conn.GetSupportedSymbols(c.Request.Context())
	if err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	s.Registry.RecordSuccess(accountID)
	if symbols == nil {
		symbols = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols, "count": len(symbols)})
}

// Headless subscriptions: manage feed refs without holding a websocket.

func (s *Server) subscribePrice(c *gin.Context) {
	accountID, symbol := c.Param("id"), c.Param("symbol")
	if err := s.Headless.AcquirePrice(c.Request.Context(), accountID, symbol); err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "subscribed",
		"symbol":      symbol,
		"subscribers": s.Headless.PriceCount(accountID, symbol),
	})
}

func (s *Server) unsubscribePrice(c *gin.Context) {
	accountID, symbol := c.Param("id"), c.Param("symbol")
	s.Headless.ReleasePrice(c.Request.Context(), accountID, symbol)
	c.JSON(http.StatusOK, gin.H{
		"status":      "unsubscribed",
		"symbol":      symbol,
		"subscribers": s.Headless.PriceCount(accountID, symbol),
	})
}

func (s *Server) subscribeCandles(c *gin.Context) {
	accountID, symbol, tf := c.Param("id"), c.Param("symbol"), c.Param("tf")
	if !common.ValidTimeframe(tf) {
		respondError(c, http.StatusBadRequest, "INVALID_TIMEFRAME", "unknown timeframe "+tf)
		return
	}
	if err := s.Headless.AcquireCandles(c.Request.Context(), accountID, symbol, tf); err != nil {
		s.connectorError(c, accountID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "subscribed",
		"symbol":      symbol,
		"timeframe":   tf,
		"subscribers": s.Headless.CandleCount(accountID, symbol, tf),
	})
}

func (s *Server) unsubscribeCandles(c *gin.Context) {
	accountID, symbol, tf := c.Param("id"), c.Param("symbol"), c.Param("tf")
	s.Headless.ReleaseCandles(c.Request.Context(), accountID, symbol, tf)
	c.JSON(http.StatusOK, gin.H{
		"status":      "unsubscribed",
		"symbol":      symbol,
		"timeframe":   tf,
		"subscribers": s.Headless.CandleCount(accountID, symbol, tf),
	})
}

// triggerSync queues a deal-journal sync for the account.
func (s *Server) triggerSync(c *gin.Context) {
	accountID := c.Param("id")
	if _, err := s.Queries.GetAccount(c.Request.Context(), accountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
		} else {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		}
		return
	}

	if s.Sync == nil {
		respondError(c, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "sync worker not available")
		return
	}

	queued := s.Sync.Enqueue(accountID)
	status := http.StatusAccepted
	if !queued {
		// Already queued or mid-sync; the caller's intent is satisfied.
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"account_id": accountID,
		"queued":     queued,
		"pending":    s.Sync.Pending(accountID),
	})
}

// getSystemStatus exposes runtime mode for dashboards and probes.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":         s.Meta.Version,
		"feed_mode":       s.Meta.FeedMode,
		"events_exchange": s.Meta.EventsExchange,
		"amqp_enabled":    s.Meta.AMQPEnabled,
		"redis_enabled":   s.Meta.RedisEnabled,
		"server_time":     time.Now().UTC(),
	})
}

// getPoolStats returns connector pool statistics.
func (s *Server) getPoolStats(c *gin.Context) {
	if s.Registry == nil {
		respondError(c, http.StatusServiceUnavailable, "POOL_UNAVAILABLE", "connector pool not available")
		return
	}
	c.JSON(http.StatusOK, s.Registry.Stats())
}

// getMetrics returns service performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	if s.Registry != nil {
		s.Metrics.SetPoolStats(s.Registry.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	if s.Registry != nil {
		s.Metrics.SetPoolStats(s.Registry.Stats())
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "tradebridge_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "tradebridge_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "tradebridge_trades_placed_total %d\n", snapshot.TradesPlaced)
	fmt.Fprintf(&b, "tradebridge_events_consumed_total %d\n", snapshot.EventsConsumed)
	fmt.Fprintf(&b, "tradebridge_events_deduped_total %d\n", snapshot.EventsDeduped)
	fmt.Fprintf(&b, "tradebridge_ticks_bridged_total %d\n", snapshot.TicksBridged)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "tradebridge_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "tradebridge_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "tradebridge_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "tradebridge_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("connector", snapshot.ConnectorLatency)
	writeLatency("db", snapshot.DBLatency)

	// Gauges for system state
	fmt.Fprintf(&b, "tradebridge_pool_total %d\n", snapshot.ConnectorPool.Total)
	fmt.Fprintf(&b, "tradebridge_pool_max %d\n", snapshot.ConnectorPool.MaxSize)
	fmt.Fprintf(&b, "tradebridge_pool_unhealthy %d\n", snapshot.ConnectorPool.Unhealthy)
	for platform, count := range snapshot.ConnectorPool.ByPlatform {
		fmt.Fprintf(&b, "tradebridge_pool_by_platform{platform=\"%s\"} %d\n", platform, count)
	}
	fmt.Fprintf(&b, "tradebridge_ws_clients %d\n", snapshot.WSClients)
	fmt.Fprintf(&b, "tradebridge_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "tradebridge_heap_alloc_bytes %d\n", snapshot.HeapAlloc)
	fmt.Fprintf(&b, "tradebridge_heap_sys_bytes %d\n", snapshot.HeapSys)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
