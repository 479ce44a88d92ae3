package api

import (
	"errors"
	"net/http"

	"tradebridge/internal/registry"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/db"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// registryError maps connector acquisition failures to HTTP responses.
func registryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	case errors.Is(err, registry.ErrConnectorUnhealthy):
		respondError(c, http.StatusServiceUnavailable, "CONNECTOR_UNHEALTHY", "connector circuit is open, retry later")
	case errors.Is(err, registry.ErrPoolFull):
		respondError(c, http.StatusServiceUnavailable, "POOL_FULL", "connector pool is full")
	case common.IsUnsupported(err):
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_PLATFORM", err.Error())
	case common.IsAuthenticationError(err):
		respondError(c, http.StatusUnauthorized, "BROKER_AUTH_FAILED", err.Error())
	case common.IsConnectionError(err):
		respondError(c, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// connectorError maps a failed connector operation to an HTTP response and
// feeds the circuit breaker. Not-found is checked before the connection
// wrapper because gateway 404s arrive wrapped in a ConnectionError.
func (s *Server) connectorError(c *gin.Context, accountID string, err error) {
	var httpErr interface{ HTTPStatus() int }
	switch {
	case common.IsAuthenticationError(err):
		respondError(c, http.StatusUnauthorized, "BROKER_AUTH_FAILED", err.Error())
	case common.IsUnsupported(err):
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_OPERATION", err.Error())
	case errors.As(err, &httpErr) && httpErr.HTTPStatus() == http.StatusNotFound:
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case common.IsConnectionError(err):
		if s.Registry != nil {
			s.Registry.RecordFailure(accountID)
		}
		respondError(c, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
