package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/service"
)

const adminTokenHeader = "X-Super-Admin-Token"

// RegisterRoutes wires API endpoints to Echo handlers.
func RegisterRoutes(e *echo.Echo, gw *service.Gateway, adminToken string) {
	h := handler{gw: gw, adminToken: adminToken}
	e.GET("/health", h.health)
	e.GET("/api/internal/connections", h.listConnections)
	e.GET("/api/internal/connections/:id/state", h.connectionState)
}

type handler struct {
	gw         *service.Gateway
	adminToken string
}

func (h handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h handler) listConnections(c echo.Context) error {
	if err := h.ensureAdminAccess(c); err != nil {
		return err
	}

	statuses := h.gw.Connections()
	logger.Debug().Str("endpoint", "list_connections").Int("count", len(statuses)).Msg("listed connections")
	return c.JSON(http.StatusOK, statuses)
}

func (h handler) connectionState(c echo.Context) error {
	if err := h.ensureAdminAccess(c); err != nil {
		return err
	}

	connID := c.Param("id")
	conn, ok := h.gw.Connection(connID)
	if !ok {
		logger.Warn().Str("endpoint", "connection_state").Str("conn_id", connID).Msg("connection not found")
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}

	logger.Debug().Str("endpoint", "connection_state").Str("conn_id", connID).Msg("dumping connection state")
	return c.JSON(http.StatusOK, conn.DumpState())
}

func (h handler) ensureAdminAccess(c echo.Context) error {
	if h.adminToken == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "admin token not configured")
	}
	if !isLocalhost(c.RealIP()) {
		return echo.NewHTTPError(http.StatusForbidden, "internal API only available from localhost")
	}
	token := c.Request().Header.Get(adminTokenHeader)
	if token == "" || token != h.adminToken {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
	}
	return nil
}

func isLocalhost(ip string) bool {
	trimmed := ip
	if colon := strings.LastIndex(trimmed, ":"); colon != -1 {
		trimmed = trimmed[:colon]
	}
	switch trimmed {
	case "127.0.0.1", "::1", "localhost":
		return true
	default:
		return false
	}
}
