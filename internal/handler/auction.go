// Package handler exposes the HTTP handlers of the auction API: auction
// detail, bid history, bid submission, watching and cancellation.  It
// translates engine outcomes to status codes and hides private auction
// prices from spectators.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/market-auction/internal/bidding"
	"github.com/iliyamo/market-auction/internal/middleware"
	"github.com/iliyamo/market-auction/internal/model"
	"github.com/iliyamo/market-auction/internal/repository"
	"github.com/iliyamo/market-auction/internal/utils"
	"github.com/iliyamo/market-auction/internal/watch"
)

// AuctionHandler serves the /v1/auctions endpoints.
type AuctionHandler struct {
	Store  repository.Store
	Engine *bidding.Engine
	Watch  *watch.Tracker
}

// NewAuctionHandler constructs a handler and panics if any dependency is nil.
func NewAuctionHandler(store repository.Store, engine *bidding.Engine, tracker *watch.Tracker) *AuctionHandler {
	if store == nil || engine == nil || tracker == nil {
		panic("nil dependency passed to NewAuctionHandler")
	}
	return &AuctionHandler{Store: store, Engine: engine, Watch: tracker}
}

// AuctionView is the read model of an auction.  CurrentPrice is omitted
// while a private auction runs, unless the caller may see it.
type AuctionView struct {
	ID           uint64    `json:"id"`
	SellerID     uint64    `json:"seller_id"`
	Type         string    `json:"auction_type"`
	StartPrice   int64     `json:"start_price"`
	CurrentPrice *int64    `json:"current_price,omitempty"`
	MinimumBid   *int64    `json:"minimum_bid,omitempty"`
	BidIncrement int64     `json:"bid_increment,omitempty"`
	InstantPrice *int64    `json:"instant_price,omitempty"`
	MinPrice     *int64    `json:"min_price,omitempty"`
	Visibility   string    `json:"bid_visibility"`
	Status       string    `json:"status"`
	EndsAt       time.Time `json:"ends_at"`
	BidCount     int64     `json:"bid_count"`
	WatchCount   int64     `json:"watch_count"`
	ViewCount    int64     `json:"view_count"`
	CreatedAt    time.Time `json:"created_at"`
	PriceHidden  bool      `json:"price_hidden"`
	IsWatching   *bool     `json:"is_watching,omitempty"`
}

// BidView is one entry of the bid history.  Bidders appear by their
// per-auction number, never by user id.
type BidView struct {
	ID           uint64    `json:"bid_id"`
	BidderNumber int       `json:"bidder_number"`
	Amount       int64     `json:"amount"`
	CreatedAt    time.Time `json:"created_at"`
	IsWinning    bool      `json:"is_winning"`
	Mine         bool      `json:"mine,omitempty"`
}

type placeBidRequest struct {
	Amount int64 `json:"amount"`
}

type watchRequest struct {
	Watching *bool `json:"watching"`
}

// GetAuction returns the auction read model and counts the view.
func (h *AuctionHandler) GetAuction(c echo.Context) error {
	id, ok := auctionID(c)
	if !ok {
		return badID(c)
	}
	ctx := c.Request().Context()
	if err := h.Store.IncrementViews(ctx, id); err != nil {
		return writeError(c, storeErr(err))
	}
	a, err := h.Store.Get(ctx, id)
	if err != nil {
		return writeError(c, storeErr(err))
	}
	visible, err := h.canSeePrice(ctx, c, a)
	if err != nil {
		return writeError(c, storeErr(err))
	}

	v := AuctionView{
		ID:          a.ID,
		SellerID:    a.SellerID,
		Type:        string(a.Type),
		StartPrice:  a.StartPrice,
		Visibility:  string(a.Visibility),
		Status:      string(a.Status),
		EndsAt:      a.EndsAt,
		BidCount:    a.BidCount,
		WatchCount:  a.WatchCount,
		ViewCount:   a.ViewCount,
		CreatedAt:   a.CreatedAt,
		PriceHidden: !visible,
	}
	if a.Type == model.AuctionUp {
		v.BidIncrement, v.InstantPrice = a.BidIncrement, a.InstantPrice
	} else {
		v.MinPrice = a.MinPrice
	}
	if visible {
		price := bidding.DisplayPrice(h.Engine.Schedule(), a, h.Engine.Clock().Now())
		v.CurrentPrice = &price
		if a.Type == model.AuctionUp && a.Status == model.StatusActive {
			v.MinimumBid = model.Int64(a.MinimumBid())
		}
	}
	if uid, ok := middleware.UserID(c); ok {
		if w, err := h.Watch.IsWatching(ctx, a.ID, uid); err == nil {
			v.IsWatching = &w
		}
	}
	return c.JSON(http.StatusOK, v)
}

// ListBids returns the bid history in acceptance order.  When the caller
// may not see a private auction's prices the response is
// {"hidden": true, "items": []}.
func (h *AuctionHandler) ListBids(c echo.Context) error {
	id, ok := auctionID(c)
	if !ok {
		return badID(c)
	}
	ctx := c.Request().Context()
	a, err := h.Store.Get(ctx, id)
	if err != nil {
		return writeError(c, storeErr(err))
	}
	visible, err := h.canSeePrice(ctx, c, a)
	if err != nil {
		return writeError(c, storeErr(err))
	}
	if !visible {
		return c.JSON(http.StatusOK, echo.Map{"hidden": true, "items": []BidView{}})
	}

	bids, err := h.Store.List(ctx, id)
	if err != nil {
		return writeError(c, storeErr(err))
	}
	numbers, err := h.Store.BidderNumbers(ctx, id)
	if err != nil {
		return writeError(c, storeErr(err))
	}
	uid, _ := middleware.UserID(c)
	out := make([]BidView, 0, len(bids))
	for _, b := range bids {
		out = append(out, BidView{
			ID:           b.ID,
			BidderNumber: numbers[b.BidderID],
			Amount:       b.Amount,
			CreatedAt:    b.CreatedAt,
			IsWinning:    b.IsWinning,
			Mine:         uid != 0 && b.BidderID == uid,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"hidden": false, "items": out})
}

// PlaceBid submits {"amount": n} for the authenticated caller.
func (h *AuctionHandler) PlaceBid(c echo.Context) error {
	id, ok := auctionID(c)
	if !ok {
		return badID(c)
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req placeBidRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bidding.ErrInvalidAmount)
	}
	ctx := c.Request().Context()
	res, err := h.Engine.PlaceBid(ctx, id, uid, req.Amount)
	if err != nil {
		// rejections quote the minimum or the clock price
		if bidding.KindOf(err) == bidding.KindBusinessRule && h.hidesPrice(ctx, c, id) {
			err = bidding.Bare(err)
		}
		return writeError(c, err)
	}
	msg := "bid accepted"
	switch {
	case res.InstantWin:
		msg = "instant win: auction sold"
	case res.Status == model.StatusSold:
		msg = "price accepted: auction sold"
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"bid_id":        res.Bid.ID,
		"current_price": res.CurrentPrice,
		"is_winning":    res.IsWinning,
		"status":        string(res.Status),
		"instant_win":   res.InstantWin,
		"message":       msg,
	})
}

// ToggleWatch flips the caller's watch marker.  A body of
// {"watching": bool} sets it explicitly instead.
func (h *AuctionHandler) ToggleWatch(c echo.Context) error {
	id, ok := auctionID(c)
	if !ok {
		return badID(c)
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req watchRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
		}
	}
	ctx := c.Request().Context()
	var (
		watching bool
		err      error
	)
	if req.Watching != nil {
		watching, err = h.Watch.SetWatch(ctx, id, uid, *req.Watching)
	} else {
		watching, err = h.Watch.ToggleWatch(ctx, id, uid)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"is_watching": watching})
}

// Cancel withdraws an auction on behalf of its seller or an admin.
func (h *AuctionHandler) Cancel(c echo.Context) error {
	id, ok := auctionID(c)
	if !ok {
		return badID(c)
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	isAdmin := middleware.Role(c) == utils.RoleAdmin
	if err := h.Engine.Cancel(c.Request().Context(), id, uid, isAdmin); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": string(model.StatusCancelled)})
}

// canSeePrice applies bid visibility: public auctions and closed private
// auctions are visible to all; a running private up auction only to its
// seller, admins and users who have bid on it.  A down auction's clock
// price is the standing offer and is always shown, since the first bid
// on it ends the auction.
func (h *AuctionHandler) canSeePrice(ctx context.Context, c echo.Context, a model.Auction) (bool, error) {
	if a.Type == model.AuctionDown || a.Visibility != model.VisibilityPrivate || a.Status != model.StatusActive {
		return true, nil
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return false, nil
	}
	if uid == a.SellerID || middleware.Role(c) == utils.RoleAdmin {
		return true, nil
	}
	n, err := h.Store.BidderNumber(ctx, a.ID, uid)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// hidesPrice reports whether a rejected bid must be answered without the
// amounts its error carries.  Lookup failures count as hidden.
func (h *AuctionHandler) hidesPrice(ctx context.Context, c echo.Context, id uint64) bool {
	a, err := h.Store.Get(ctx, id)
	if err != nil {
		return true
	}
	visible, err := h.canSeePrice(ctx, c, a)
	return err != nil || !visible
}

func auctionID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func badID(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "invalid_id", "message": "invalid auction id"})
}

// storeErr maps read-path repository errors onto the engine taxonomy.
func storeErr(err error) error {
	if errors.Is(err, repository.ErrAuctionNotFound) {
		return bidding.ErrAuctionNotFound
	}
	return err
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind bidding.Kind) int {
	switch kind {
	case bidding.KindValidation:
		return http.StatusBadRequest
	case bidding.KindNotFound:
		return http.StatusNotFound
	case bidding.KindState:
		return http.StatusConflict
	case bidding.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case bidding.KindPermission:
		return http.StatusForbidden
	case bidding.KindConcurrency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders {success:false, error:<code>, message, retryable}.
// Infrastructure details are logged, never returned.
func writeError(c echo.Context, err error) error {
	kind := bidding.KindOf(err)
	status := statusFor(kind)
	body := echo.Map{"success": false, "error": bidding.CodeOf(err), "message": err.Error()}
	switch kind {
	case bidding.KindConcurrency:
		c.Response().Header().Set("Retry-After", "1")
		body["retryable"] = true
	case bidding.KindInfrastructure, bidding.KindUnknown:
		log.Error().Err(err).Str("path", c.Path()).Msg("handler: request failed")
		body["message"] = bidding.ErrInfrastructure.Message
	}
	return c.JSON(status, body)
}
