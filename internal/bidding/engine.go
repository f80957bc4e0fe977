// Package bidding implements the auction bidding engine: bid acceptance
// for up and down auctions, deadline closure and cancellation.  Every
// state change of an auction runs inside that auction's exclusive
// section, made of the per-auction lock and a store transaction, so the
// validate-then-write sequence is linearizable per auction while
// different auctions proceed in parallel.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/market-auction/internal/lock"
	"github.com/iliyamo/market-auction/internal/model"
	"github.com/iliyamo/market-auction/internal/repository"
)

// Notifier receives outcome notifications after a transition commits.
// Dispatch must not block; delivery is best effort.
type Notifier interface {
	Dispatch(ns ...model.Notification)
}

type discardNotifier struct{}

func (discardNotifier) Dispatch(...model.Notification) {}

// BidResult describes an accepted bid.
type BidResult struct {
	Success      bool
	CurrentPrice int64
	IsWinning    bool
	InstantWin   bool
	Status       model.Status // auction status after the bid
	Bid          model.Bid
}

// Options configures an Engine.  Zero values select the defaults noted
// on each field.
type Options struct {
	Clock     Clock           // SystemClock
	Schedule  PriceSchedule   // LinearDecay{Tick: time.Minute}
	Supersede SupersedePolicy // AllowSupersede
	Cancel    CancelPolicy    // CancelWithoutBids
	Notifier  Notifier        // discards
	LockWait  time.Duration   // 250ms bound on waiting for the exclusive section
	Retries   int             // 3 transparent retries of conflicts; negative disables
}

// Engine validates and applies bids and state transitions.
type Engine struct {
	store     repository.Store
	locks     lock.Locker
	clock     Clock
	schedule  PriceSchedule
	supersede SupersedePolicy
	cancel    CancelPolicy
	notifier  Notifier
	lockWait  time.Duration
	retries   int
}

// NewEngine builds an engine over store guarded by locks.
func NewEngine(store repository.Store, locks lock.Locker, opts Options) *Engine {
	if store == nil || locks == nil {
		panic("nil store or locker passed to NewEngine")
	}
	e := &Engine{
		store:     store,
		locks:     locks,
		clock:     opts.Clock,
		schedule:  opts.Schedule,
		supersede: opts.Supersede,
		cancel:    opts.Cancel,
		notifier:  opts.Notifier,
		lockWait:  opts.LockWait,
		retries:   opts.Retries,
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.schedule == nil {
		e.schedule = LinearDecay{Tick: time.Minute}
	}
	if e.supersede == nil {
		e.supersede = AllowSupersede{}
	}
	if e.cancel == nil {
		e.cancel = CancelWithoutBids{}
	}
	if e.notifier == nil {
		e.notifier = discardNotifier{}
	}
	if e.lockWait <= 0 {
		e.lockWait = 250 * time.Millisecond
	}
	if e.retries == 0 {
		e.retries = 3
	} else if e.retries < 0 {
		e.retries = 0
	}
	return e
}

// Schedule returns the down auction price schedule in use.
func (e *Engine) Schedule() PriceSchedule { return e.schedule }

// Clock returns the engine's server clock.
func (e *Engine) Clock() Clock { return e.clock }

// PlaceBid submits a bid.  On success the bid is in the ledger and the
// auction summary reflects it; on error nothing was written.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID uint64, amount int64) (BidResult, error) {
	if amount <= 0 {
		return BidResult{}, ErrInvalidAmount
	}
	var (
		res    BidResult
		notify []model.Notification
	)
	err := e.withRetry(ctx, auctionID, func(tx repository.Tx) error {
		var err error
		res, notify, err = e.placeLocked(tx, bidderID, amount)
		return err
	})
	if err != nil {
		return BidResult{}, err
	}
	e.notifier.Dispatch(notify...)
	log.Debug().Uint64("auction_id", auctionID).Uint64("bidder_id", bidderID).
		Int64("amount", amount).Bool("instant_win", res.InstantWin).Msg("bidding: bid accepted")
	return res, nil
}

// placeLocked runs the acceptance rules.  It is only called inside the
// exclusive section, so tx reflects the latest committed state.
func (e *Engine) placeLocked(tx repository.Tx, bidderID uint64, amount int64) (BidResult, []model.Notification, error) {
	a := tx.Auction()
	now := e.clock.Now()
	if a.Status != model.StatusActive {
		return BidResult{}, nil, ErrNotActive
	}
	if a.Expired(now) {
		return BidResult{}, nil, ErrExpired
	}
	if bidderID == a.SellerID {
		return BidResult{}, nil, ErrSellerBid
	}
	prev, err := tx.Winning()
	if err != nil {
		return BidResult{}, nil, err
	}

	status := model.StatusActive
	reason := model.SettlementReason("")
	switch a.Type {
	case model.AuctionUp:
		if prev != nil && prev.BidderID == bidderID {
			if err := e.supersede.AllowSupersede(a, *prev, amount); err != nil {
				return BidResult{}, nil, err
			}
		}
		if minBid := a.MinimumBid(); amount < minBid {
			return BidResult{}, nil, fmt.Errorf("%w: %d", ErrBidTooLow, minBid)
		}
		if a.HasInstantPrice() && amount >= *a.InstantPrice {
			status, reason = model.StatusSold, model.ReasonInstantWin
		}
	case model.AuctionDown:
		if price := e.schedule.PriceAt(a, now); amount != price {
			return BidResult{}, nil, fmt.Errorf("%w: %d", ErrStalePrice, price)
		}
		status, reason = model.StatusSold, model.ReasonDownAccepted
	default:
		return BidResult{}, nil, fmt.Errorf("%w: unknown auction type %q", ErrInfrastructure, a.Type)
	}

	bid := model.Bid{AuctionID: a.ID, BidderID: bidderID, Amount: amount, CreatedAt: now, IsWinning: true}
	if err := tx.Append(&bid); err != nil {
		return BidResult{}, nil, err
	}
	if err := tx.UpdateSummary(amount, status, true); err != nil {
		return BidResult{}, nil, err
	}

	var notify []model.Notification
	if prev != nil && prev.BidderID != bidderID {
		notify = append(notify, model.Notification{Type: model.NotifyOutbid, AuctionID: a.ID, UserID: prev.BidderID, Amount: amount})
	}
	if status == model.StatusSold {
		if err := tx.RecordSettlement(model.Settlement{
			AuctionID:    a.ID,
			Status:       status,
			Reason:       reason,
			WinnerID:     bidderID,
			WinningBidID: bid.ID,
			Amount:       amount,
			ClosedAt:     now,
		}); err != nil {
			return BidResult{}, nil, err
		}
		notify = append(notify, soldNotifications(a, bidderID, amount)...)
	}
	return BidResult{
		Success:      true,
		CurrentPrice: amount,
		IsWinning:    true,
		InstantWin:   reason == model.ReasonInstantWin,
		Status:       status,
		Bid:          bid,
	}, notify, nil
}

// Close moves an active auction whose deadline has passed to sold (a
// winning bid exists) or ended (no bids).  Auctions that are not due or
// already terminal are left alone.  It returns the resulting status.
func (e *Engine) Close(ctx context.Context, auctionID uint64) (model.Status, error) {
	var (
		status model.Status
		notify []model.Notification
	)
	err := e.withRetry(ctx, auctionID, func(tx repository.Tx) error {
		a := tx.Auction()
		now := e.clock.Now()
		status, notify = a.Status, nil
		if a.Status != model.StatusActive || !a.Expired(now) {
			return nil
		}
		win, err := tx.Winning()
		if err != nil {
			return err
		}
		st := model.Settlement{AuctionID: a.ID, Status: model.StatusEnded, Reason: model.ReasonDeadline, ClosedAt: now}
		if win != nil {
			st.Status, st.WinnerID, st.WinningBidID, st.Amount = model.StatusSold, win.BidderID, win.ID, win.Amount
			notify = soldNotifications(a, win.BidderID, win.Amount)
		}
		if err := tx.UpdateSummary(a.CurrentPrice, st.Status, false); err != nil {
			return err
		}
		if err := tx.RecordSettlement(st); err != nil {
			return err
		}
		status = st.Status
		return nil
	})
	if err != nil {
		return "", err
	}
	e.notifier.Dispatch(notify...)
	return status, nil
}

// Cancel withdraws an active auction on behalf of its seller or an admin.
// Bids already placed stay in the ledger but none remains winning.
func (e *Engine) Cancel(ctx context.Context, auctionID, actorID uint64, isAdmin bool) error {
	return e.withRetry(ctx, auctionID, func(tx repository.Tx) error {
		a := tx.Auction()
		if !isAdmin && actorID != a.SellerID {
			return ErrForbidden
		}
		if a.Status != model.StatusActive {
			return ErrNotActive
		}
		now := e.clock.Now()
		if a.Expired(now) {
			return ErrExpired
		}
		if err := e.cancel.AllowCancel(a); err != nil {
			return err
		}
		if err := tx.ClearWinning(); err != nil {
			return err
		}
		if err := tx.UpdateSummary(a.CurrentPrice, model.StatusCancelled, false); err != nil {
			return err
		}
		return tx.RecordSettlement(model.Settlement{
			AuctionID: a.ID,
			Status:    model.StatusCancelled,
			Reason:    model.ReasonCancelled,
			ClosedAt:  now,
		})
	})
}

func soldNotifications(a model.Auction, winnerID uint64, amount int64) []model.Notification {
	return []model.Notification{
		{Type: model.NotifyWon, AuctionID: a.ID, UserID: winnerID, Amount: amount},
		{Type: model.NotifySold, AuctionID: a.ID, UserID: a.SellerID, Amount: amount},
	}
}

// withRetry runs fn in the exclusive section, retrying contention a
// bounded number of times with jittered backoff.
func (e *Engine) withRetry(ctx context.Context, auctionID uint64, fn func(repository.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.exclusive(ctx, auctionID, fn)
		if !errors.Is(err, ErrConflict) || attempt >= e.retries || ctx.Err() != nil {
			return err
		}
		backoff := time.Duration(attempt+1)*5*time.Millisecond + rand.N(5*time.Millisecond)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
	}
}

// exclusive acquires the auction's lock within the configured wait and
// runs fn in a store transaction.  Once the lock is held the work no
// longer follows the caller's cancellation: a bid is either fully applied
// or not at all.
func (e *Engine) exclusive(ctx context.Context, auctionID uint64, fn func(repository.Tx) error) error {
	wctx, cancel := context.WithTimeout(ctx, e.lockWait)
	release, err := e.locks.Acquire(wctx, auctionID)
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return ErrConflict
		}
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	defer release()
	return translate(e.store.Atomically(context.WithoutCancel(ctx), auctionID, fn))
}

// translate maps store errors onto the engine taxonomy.  Engine errors
// raised inside fn pass through unchanged.
func translate(err error) error {
	var ee *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ee):
		return err
	case errors.Is(err, repository.ErrAuctionNotFound):
		return ErrAuctionNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
}
