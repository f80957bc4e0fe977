package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/market-auction/internal/bidding"
	"github.com/iliyamo/market-auction/internal/repository"
)

// Health is a liveness check for load balancers.  It returns "ok".
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// HealthHandler reports whether deadline closure keeps up.
type HealthHandler struct {
	Registry repository.AuctionRegistry
	Clock    bidding.Clock
	Grace    time.Duration
}

// AuctionHealth returns 503 when active auctions are past their deadline
// by more than the grace window, which means the sweeper is stuck or gone.
func (h *HealthHandler) AuctionHealth(c echo.Context) error {
	n, err := h.Registry.CountOverdue(c.Request().Context(), h.Clock.Now().Add(-h.Grace))
	if err != nil {
		log.Error().Err(err).Msg("health: count overdue failed")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "error", "error": "store unavailable"})
	}
	if n > 0 {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "overdue": n, "grace": h.Grace.String()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "overdue": 0})
}
