package repository

import (
	"context"
	"time"

	"github.com/iliyamo/market-auction/internal/model"
)

// AuctionRegistry is the read side of the auctions table.  Reads are
// snapshots and may race with an in-flight bid; they are fine for display
// but must never drive an accept/reject decision.
type AuctionRegistry interface {
	// Get returns the auction or ErrAuctionNotFound.
	Get(ctx context.Context, id uint64) (model.Auction, error)
	// IncrementViews bumps view_count atomically.
	IncrementViews(ctx context.Context, id uint64) error
	// ListOverdue returns ids of active auctions whose deadline is at or
	// before now, oldest deadline first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uint64, error)
	// CountOverdue counts active auctions whose deadline is before the
	// given instant.
	CountOverdue(ctx context.Context, before time.Time) (int, error)
}

// BidLedger is the read side of the append-only bids table.
type BidLedger interface {
	// Winning returns the current winning bid or nil.
	Winning(ctx context.Context, auctionID uint64) (*model.Bid, error)
	// List returns every accepted bid ordered by acceptance time.
	List(ctx context.Context, auctionID uint64) ([]model.Bid, error)
	// BidderNumber returns the 1-based ordinal of a bidder's first
	// appearance in the ledger, or 0 when the user has not bid.
	BidderNumber(ctx context.Context, auctionID, bidderID uint64) (int, error)
	// BidderNumbers returns the ordinals of every bidder of an auction.
	BidderNumbers(ctx context.Context, auctionID uint64) (map[uint64]int, error)
}

// Tx is the write handle passed to Store.Atomically.  It exists only
// inside the per-auction exclusive section; everything written through it
// becomes visible together on commit or not at all.
type Tx interface {
	// Auction returns the auction row as loaded when the tx started,
	// reflecting any summary update already made in this tx.
	Auction() model.Auction
	// Winning returns the winning bid as seen inside the tx.
	Winning() (*model.Bid, error)
	// Append adds a bid to the ledger and assigns its ID.  A winning bid
	// clears the previous winner.  It fails with ErrConflict when the bid
	// is older than the ledger tail.
	Append(b *model.Bid) error
	// ClearWinning removes the winning flag from every bid.
	ClearWinning() error
	// UpdateSummary rewrites current_price and status and optionally bumps
	// bid_count.  A backwards status move fails with ErrConflict.
	UpdateSummary(currentPrice int64, status model.Status, bumpBidCount bool) error
	// RecordSettlement stores the outcome of a terminal transition.
	RecordSettlement(s model.Settlement) error
}

// Store combines the read models with the transactional write path.
type Store interface {
	AuctionRegistry
	BidLedger
	// Atomically loads the auction and runs fn inside a transaction scoped
	// to that auction.  fn's writes are committed only when it returns
	// nil.  Unknown ids yield ErrAuctionNotFound without calling fn.
	Atomically(ctx context.Context, auctionID uint64, fn func(Tx) error) error
}

// WatchStore persists watch markers and keeps watch_count in step with
// them.  AddWatch and RemoveWatch report whether they changed anything so
// repeated calls are harmless.  ToggleWatch flips the marker atomically
// and returns the new state.
type WatchStore interface {
	AddWatch(ctx context.Context, auctionID, userID uint64) (bool, error)
	RemoveWatch(ctx context.Context, auctionID, userID uint64) (bool, error)
	ToggleWatch(ctx context.Context, auctionID, userID uint64) (bool, error)
	IsWatching(ctx context.Context, auctionID, userID uint64) (bool, error)
}
