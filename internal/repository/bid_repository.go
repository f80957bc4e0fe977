package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/market-auction/internal/model"
)

const bidColumns = `id, auction_id, bidder_id, bid_amount, created_at, is_winning`

func scanBid(row rowScanner) (model.Bid, error) {
	var b model.Bid
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.CreatedAt, &b.IsWinning); err != nil {
		return model.Bid{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

// BidRepo provides read access to the append-only bids table.  Bid ids
// are assigned under the per-auction lock, so id order equals acceptance
// order within an auction.
type BidRepo struct {
	db *sql.DB
}

// NewBidRepo returns a new BidRepo bound to the provided database.
func NewBidRepo(db *sql.DB) *BidRepo { return &BidRepo{db: db} }

// Winning returns the bid flagged is_winning, or nil when none is.
func (r *BidRepo) Winning(ctx context.Context, auctionID uint64) (*model.Bid, error) {
	b, err := scanBid(r.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND is_winning = 1 LIMIT 1`, auctionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// List returns all bids of an auction in acceptance order.
func (r *BidRepo) List(ctx context.Context, auctionID uint64) ([]model.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? ORDER BY created_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bids := []model.Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bids, nil
}

// BidderNumber derives a bidder's ordinal from the ledger: the number of
// distinct bidders whose first bid is not later than this bidder's first
// bid.  Because the ledger is append-only the value never changes once
// assigned.  Users without bids get 0.
func (r *BidRepo) BidderNumber(ctx context.Context, auctionID, bidderID uint64) (int, error) {
	const q = `SELECT COUNT(*) FROM (
                   SELECT bidder_id, MIN(id) AS first_id FROM bids WHERE auction_id = ? GROUP BY bidder_id
               ) f
               WHERE f.first_id <= (SELECT MIN(id) FROM bids WHERE auction_id = ? AND bidder_id = ?)`
	var n int
	if err := r.db.QueryRowContext(ctx, q, auctionID, auctionID, bidderID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// BidderNumbers returns every bidder's ordinal for an auction.
func (r *BidRepo) BidderNumbers(ctx context.Context, auctionID uint64) (map[uint64]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT bidder_id, MIN(id) AS first_id FROM bids WHERE auction_id = ? GROUP BY bidder_id ORDER BY first_id`,
		auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]int)
	for rows.Next() {
		var bidder, first uint64
		if err := rows.Scan(&bidder, &first); err != nil {
			return nil, err
		}
		out[bidder] = len(out) + 1
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
