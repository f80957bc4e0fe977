// Package repository contains data access logic for the auction engine.
// This file defines the read side of the auctions table. Writes to an
// auction's summary happen only through MySQLStore.Atomically.
package repository

import (
	"context"      // context for controlling query lifetime
	"database/sql" // sql provides DB abstraction
	"errors"       // errors for sentinel comparisons
	"time"

	"github.com/iliyamo/market-auction/internal/model"
)

// auctionColumns lists the columns scanned by scanAuction, in order.
const auctionColumns = `id, seller_id, auction_type, start_price, current_price, bid_increment,
       instant_price, min_price, bid_visibility, status, ends_at,
       bid_count, watch_count, view_count, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAuction reads one auctions row.  Nullable prices become nil pointers.
func scanAuction(row rowScanner) (model.Auction, error) {
	var (
		a            model.Auction
		auctionType  string
		visibility   string
		status       string
		instantPrice sql.NullInt64
		minPrice     sql.NullInt64
	)
	err := row.Scan(
		&a.ID,
		&a.SellerID,
		&auctionType,
		&a.StartPrice,
		&a.CurrentPrice,
		&a.BidIncrement,
		&instantPrice,
		&minPrice,
		&visibility,
		&status,
		&a.EndsAt,
		&a.BidCount,
		&a.WatchCount,
		&a.ViewCount,
		&a.CreatedAt,
	)
	if err != nil {
		return model.Auction{}, err
	}
	a.Type = model.AuctionType(auctionType)
	a.Visibility = model.Visibility(visibility)
	a.Status = model.Status(status)
	if instantPrice.Valid {
		a.InstantPrice = model.Int64(instantPrice.Int64)
	}
	if minPrice.Valid {
		a.MinPrice = model.Int64(minPrice.Int64)
	}
	a.EndsAt = a.EndsAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// AuctionRepo provides read access to the auctions table.
type AuctionRepo struct {
	db *sql.DB
}

// NewAuctionRepo returns a new AuctionRepo bound to the provided database.
func NewAuctionRepo(db *sql.DB) *AuctionRepo { return &AuctionRepo{db: db} }

// Get loads one auction.  It returns ErrAuctionNotFound when no row exists.
func (r *AuctionRepo) Get(ctx context.Context, id uint64) (model.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Auction{}, ErrAuctionNotFound
		}
		return model.Auction{}, err
	}
	return a, nil
}

// IncrementViews bumps view_count.  The single UPDATE is atomic, so it
// never needs the per-auction lock.
func (r *AuctionRepo) IncrementViews(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE auctions SET view_count = view_count + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAuctionNotFound
	}
	return nil
}

// ListOverdue returns the ids of active auctions whose ends_at is at or
// before now, oldest deadline first, capped at limit rows.
func (r *AuctionRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM auctions WHERE status = 'active' AND ends_at <= ? ORDER BY ends_at, id LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// CountOverdue counts active auctions whose deadline is strictly before
// the given instant.  A non-zero result means the sweeper is lagging.
func (r *AuctionRepo) CountOverdue(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auctions WHERE status = 'active' AND ends_at < ?`, before.UTC()).Scan(&n)
	return n, err
}
