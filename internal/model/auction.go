package model

import "time"

// AuctionType selects the bidding rules applied to an auction.
type AuctionType string

const (
	AuctionUp   AuctionType = "up"   // ascending price, highest bid wins
	AuctionDown AuctionType = "down" // descending clock, first acceptor wins
)

// Valid reports whether t is a known auction type.
func (t AuctionType) Valid() bool { return t == AuctionUp || t == AuctionDown }

// Visibility controls whether the current price and bid history are shown
// to spectators while the auction runs.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Status is the lifecycle state of an auction.  The only legal
// transitions are active -> sold | ended | cancelled.
type Status string

const (
	StatusActive    Status = "active"
	StatusSold      Status = "sold"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status no longer accepts bids.
func (s Status) Terminal() bool { return s != StatusActive }

// CanTransition reports whether moving from s to next is a forward move.
// Re-asserting the current status is allowed so summaries can be
// rewritten without a state change.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusActive && next.Terminal()
}

// Auction mirrors a row of the `auctions` table.  Configuration fields
// are fixed at creation; the summary fields (CurrentPrice, Status and the
// counters) are mutated in place by the bidding engine.
//
// Fields:
//  ID           – primary key identifier.
//  SellerID     – user that listed the item.
//  Type         – up or down.
//  StartPrice   – opening price in whole won.
//  CurrentPrice – last accepted price (up) or frozen accepted price (down).
//  BidIncrement – minimum step over CurrentPrice for up auctions.
//  InstantPrice – optional buy-it-now threshold for up auctions.
//  MinPrice     – optional floor of the descending clock for down auctions.
//  Visibility   – public or private bid display.
//  Status       – lifecycle state.
//  EndsAt       – hard deadline; never extended.
//  BidCount     – number of accepted bids.
//  WatchCount   – number of users watching.
//  ViewCount    – number of detail page views.
//  CreatedAt    – creation timestamp; start of the down auction clock.
type Auction struct {
	ID           uint64      // auctions.id
	SellerID     uint64      // auctions.seller_id
	Type         AuctionType // auctions.auction_type
	StartPrice   int64       // auctions.start_price
	CurrentPrice int64       // auctions.current_price
	BidIncrement int64       // auctions.bid_increment
	InstantPrice *int64      // auctions.instant_price (nullable)
	MinPrice     *int64      // auctions.min_price (nullable)
	Visibility   Visibility  // auctions.bid_visibility
	Status       Status      // auctions.status
	EndsAt       time.Time   // auctions.ends_at
	BidCount     int64       // auctions.bid_count
	WatchCount   int64       // auctions.watch_count
	ViewCount    int64       // auctions.view_count
	CreatedAt    time.Time   // auctions.created_at
}

// Expired reports whether now has reached the deadline.  The deadline is
// inclusive: a request observed exactly at EndsAt is late.
func (a Auction) Expired(now time.Time) bool { return !now.Before(a.EndsAt) }

// HasInstantPrice reports whether an up auction carries a buy-it-now price.
func (a Auction) HasInstantPrice() bool {
	return a.Type == AuctionUp && a.InstantPrice != nil && *a.InstantPrice > 0
}

// MinimumBid returns the smallest amount an up auction accepts next.
func (a Auction) MinimumBid() int64 { return a.CurrentPrice + a.BidIncrement }

// Int64 returns a pointer to v.  It is a convenience for optional prices.
func Int64(v int64) *int64 { return &v }
