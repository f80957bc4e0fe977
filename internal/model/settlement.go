package model

import "time"

// SettlementReason records why an auction left the active state.
type SettlementReason string

const (
	ReasonInstantWin   SettlementReason = "instant_win"
	ReasonDownAccepted SettlementReason = "down_accepted"
	ReasonDeadline     SettlementReason = "deadline"
	ReasonCancelled    SettlementReason = "cancelled"
)

// Settlement is the outcome row written to `auction_settlements` in the
// same transaction that moves the auction to a terminal status.  Payment
// and delivery systems read it; the engine never updates it afterwards.
//
// Fields:
//  AuctionID    – settled auction.
//  Status       – terminal status reached (sold, ended or cancelled).
//  Reason       – trigger of the transition.
//  WinnerID     – winning bidder, zero when nobody won.
//  WinningBidID – winning bid, zero when nobody won.
//  Amount       – final price, zero when nobody won.
//  ClosedAt     – server time of the transition.
type Settlement struct {
	AuctionID    uint64           // auction_settlements.auction_id
	Status       Status           // auction_settlements.status
	Reason       SettlementReason // auction_settlements.reason
	WinnerID     uint64           // auction_settlements.winner_id (nullable)
	WinningBidID uint64           // auction_settlements.winning_bid_id (nullable)
	Amount       int64            // auction_settlements.amount
	ClosedAt     time.Time        // auction_settlements.closed_at
}

// NotificationType is the kind of message sent to the messaging collaborator.
type NotificationType string

const (
	NotifyOutbid NotificationType = "outbid"
	NotifyWon    NotificationType = "won"
	NotifySold   NotificationType = "sold"
)

// Notification is a fire-and-forget message about an auction outcome
// addressed to a single user.
type Notification struct {
	Type      NotificationType
	AuctionID uint64
	UserID    uint64
	Amount    int64
}
