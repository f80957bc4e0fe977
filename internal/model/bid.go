package model

import "time"

// Bid represents an accepted bid as stored in the append-only `bids`
// table.  Rejected submissions are never recorded.
//
// Fields:
//  ID        – primary key identifier, monotonically increasing per ledger.
//  AuctionID – auction the bid belongs to.
//  BidderID  – user that placed the bid.
//  Amount    – submitted amount in whole won.
//  CreatedAt – server acceptance time; the only ordering key.
//  IsWinning – true for at most one bid per auction.
type Bid struct {
	ID        uint64    // bids.id
	AuctionID uint64    // bids.auction_id
	BidderID  uint64    // bids.bidder_id
	Amount    int64     // bids.bid_amount
	CreatedAt time.Time // bids.created_at
	IsWinning bool      // bids.is_winning
}
