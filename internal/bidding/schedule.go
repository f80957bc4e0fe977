package bidding

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/market-auction/internal/model"
)

// PriceSchedule computes the server-authoritative price of a down auction
// at a given instant.  Implementations must be deterministic and
// non-increasing in time, and must never go below the auction's floor.
type PriceSchedule interface {
	PriceAt(a model.Auction, now time.Time) int64
}

// floorOf returns the lowest price a down auction may reach: min_price
// when set, otherwise 1 won.  It never exceeds the start price.
func floorOf(a model.Auction) int64 {
	floor := int64(1)
	if a.MinPrice != nil && *a.MinPrice > 0 {
		floor = *a.MinPrice
	}
	if floor > a.StartPrice {
		floor = a.StartPrice
	}
	return floor
}

// LinearDecay lowers the price in equal steps from the start price at
// creation to the floor, one step per Tick, so that the floor is reached
// by the deadline.  Quantizing to ticks gives clients a price that stays
// valid for a whole tick.
type LinearDecay struct {
	Tick time.Duration
}

func (d LinearDecay) PriceAt(a model.Auction, now time.Time) int64 {
	if a.Type != model.AuctionDown {
		return a.CurrentPrice
	}
	floor := floorOf(a)
	if !now.After(a.CreatedAt) {
		return a.StartPrice
	}
	if !now.Before(a.EndsAt) {
		return floor
	}
	tick := d.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	total := int64(a.EndsAt.Sub(a.CreatedAt) / tick)
	if total < 1 {
		total = 1
	}
	elapsed := int64(now.Sub(a.CreatedAt) / tick)
	if elapsed > total {
		elapsed = total
	}
	// (start-floor)*elapsed can exceed int64 for large prices and long
	// auctions, so the drop is computed in decimal and truncated.
	drop, _ := decimal.NewFromInt(a.StartPrice - floor).
		Mul(decimal.NewFromInt(elapsed)).
		QuoRem(decimal.NewFromInt(total), 0)
	price := a.StartPrice - drop.IntPart()
	if price < floor {
		price = floor
	}
	return price
}

// SteppedDecay lowers the price by a fixed Step every Interval until the
// floor is reached.
type SteppedDecay struct {
	Step     int64
	Interval time.Duration
}

func (d SteppedDecay) PriceAt(a model.Auction, now time.Time) int64 {
	if a.Type != model.AuctionDown {
		return a.CurrentPrice
	}
	floor := floorOf(a)
	if d.Step <= 0 || d.Interval <= 0 || !now.After(a.CreatedAt) {
		return a.StartPrice
	}
	steps := int64(now.Sub(a.CreatedAt) / d.Interval)
	if steps >= (a.StartPrice-floor)/d.Step+1 {
		return floor
	}
	price := a.StartPrice - steps*d.Step
	if price < floor {
		price = floor
	}
	return price
}

// DisplayPrice is the price shown to clients: the schedule price while a
// down auction is active, the stored price otherwise.
func DisplayPrice(s PriceSchedule, a model.Auction, now time.Time) int64 {
	if a.Type == model.AuctionDown && a.Status == model.StatusActive && s != nil {
		return s.PriceAt(a, now)
	}
	return a.CurrentPrice
}
