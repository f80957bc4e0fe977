// Package router registers the HTTP routes of the auction API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/market-auction/internal/handler"
	"github.com/iliyamo/market-auction/internal/middleware"
	"github.com/iliyamo/market-auction/internal/utils"
)

// RegisterRoutes registers the unauthenticated health checks.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", handler.Health)
	e.GET("/healthz/auctions", h.AuctionHealth)
}

// RegisterAuctions registers the /v1/auctions endpoints.  Reads accept an
// optional token so private auctions can be shown to the people allowed to
// see them; writes require one.  rateLimit guards bid submission and cache
// fronts the bid history.
func RegisterAuctions(e *echo.Echo, a *handler.AuctionHandler, jwtSecret string, rateLimit, cache echo.MiddlewareFunc) {
	public := e.Group("/v1/auctions", middleware.OptionalJWT(jwtSecret))
	public.GET("/:id", a.GetAuction)
	public.GET("/:id/bids", a.ListBids, cache)

	auth := e.Group("/v1/auctions",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleUser, utils.RoleAdmin),
	)
	auth.POST("/:id/bids", a.PlaceBid, rateLimit)
	auth.POST("/:id/watch", a.ToggleWatch)
	auth.POST("/:id/cancel", a.Cancel)
}
