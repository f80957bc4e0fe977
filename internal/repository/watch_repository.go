package repository

import (
	"context"
	"database/sql"
	"errors"
)

// WatchRepo persists watch markers in auction_watches and keeps
// auctions.watch_count in the same transaction.  It never touches the
// bidding lock: the counter moves with single-statement increments.
type WatchRepo struct {
	db *sql.DB
}

var _ WatchStore = (*WatchRepo)(nil)

// NewWatchRepo returns a new WatchRepo bound to the provided database.
func NewWatchRepo(db *sql.DB) *WatchRepo { return &WatchRepo{db: db} }

const (
	insertWatch  = `INSERT IGNORE INTO auction_watches (auction_id, user_id) VALUES (?, ?)`
	deleteWatch  = `DELETE FROM auction_watches WHERE auction_id = ? AND user_id = ?`
	incWatchers  = `UPDATE auctions SET watch_count = watch_count + 1 WHERE id = ?`
	decWatchers  = `UPDATE auctions SET watch_count = GREATEST(watch_count, 1) - 1 WHERE id = ?`
	existsWatch  = `SELECT EXISTS(SELECT 1 FROM auction_watches WHERE auction_id = ? AND user_id = ?)`
	lockAuction  = `SELECT 1 FROM auctions WHERE id = ? FOR UPDATE`
	checkAuction = `SELECT 1 FROM auctions WHERE id = ?`
)

// AddWatch inserts the marker and increments watch_count when the marker
// was new.  It reports whether anything changed.
func (r *WatchRepo) AddWatch(ctx context.Context, auctionID, userID uint64) (bool, error) {
	return r.apply(ctx, auctionID, insertWatch, incWatchers, userID)
}

// RemoveWatch deletes the marker and decrements watch_count when a marker
// existed.  It reports whether anything changed.
func (r *WatchRepo) RemoveWatch(ctx context.Context, auctionID, userID uint64) (bool, error) {
	return r.apply(ctx, auctionID, deleteWatch, decWatchers, userID)
}

// ToggleWatch flips the marker in one transaction.  It locks the auction
// row first, the row the counter update locks anyway, so concurrent
// toggles on one auction serialize and each sees the previous one's
// result.
func (r *WatchRepo) ToggleWatch(ctx context.Context, auctionID, userID uint64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var one int
	if err := tx.QueryRowContext(ctx, lockAuction, auctionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrAuctionNotFound
		}
		return false, mapLockError(err)
	}
	var watching bool
	if err := tx.QueryRowContext(ctx, existsWatch, auctionID, userID).Scan(&watching); err != nil {
		return false, err
	}
	markerStmt, counterStmt := insertWatch, incWatchers
	if watching {
		markerStmt, counterStmt = deleteWatch, decWatchers
	}
	if _, err := tx.ExecContext(ctx, markerStmt, auctionID, userID); err != nil {
		return false, mapLockError(err)
	}
	if _, err := tx.ExecContext(ctx, counterStmt, auctionID); err != nil {
		return false, mapLockError(err)
	}
	if err := tx.Commit(); err != nil {
		return false, mapLockError(err)
	}
	committed = true
	return !watching, nil
}

func (r *WatchRepo) apply(ctx context.Context, auctionID uint64, markerStmt, counterStmt string, userID uint64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var one int
	if err := tx.QueryRowContext(ctx, checkAuction, auctionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrAuctionNotFound
		}
		return false, err
	}
	res, err := tx.ExecContext(ctx, markerStmt, auctionID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if _, err := tx.ExecContext(ctx, counterStmt, auctionID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return n == 1, nil
}

// IsWatching reports whether the user currently watches the auction.
func (r *WatchRepo) IsWatching(ctx context.Context, auctionID, userID uint64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, existsWatch, auctionID, userID).Scan(&exists)
	return exists, err
}
