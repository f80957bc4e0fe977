package bidding

import "github.com/iliyamo/market-auction/internal/model"

// SupersedePolicy decides whether the bidder currently holding the winning
// bid of an up auction may raise their own bid.
type SupersedePolicy interface {
	AllowSupersede(a model.Auction, current model.Bid, amount int64) error
}

// AllowSupersede lets winners raise their own bid like anyone else.
type AllowSupersede struct{}

func (AllowSupersede) AllowSupersede(model.Auction, model.Bid, int64) error { return nil }

// RejectSupersede refuses bids from the current winner.
type RejectSupersede struct{}

func (RejectSupersede) AllowSupersede(model.Auction, model.Bid, int64) error {
	return ErrAlreadyWinning
}

// CancelPolicy decides whether an active auction may be cancelled.
type CancelPolicy interface {
	AllowCancel(a model.Auction) error
}

// CancelWithoutBids allows cancellation only before the first bid.
type CancelWithoutBids struct{}

func (CancelWithoutBids) AllowCancel(a model.Auction) error {
	if a.BidCount > 0 {
		return ErrCancelNotAllowed
	}
	return nil
}

// CancelAlways allows cancellation at any point while active.  Placed
// bids stay in the ledger and lose their winning flag.
type CancelAlways struct{}

func (CancelAlways) AllowCancel(model.Auction) error { return nil }
