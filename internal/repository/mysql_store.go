package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/market-auction/internal/model"
)

// MySQLStore is the production Store.  Reads go through the embedded
// repositories; Atomically opens a transaction and locks the auction row
// with SELECT ... FOR UPDATE so writers on other instances serialize too.
type MySQLStore struct {
	*AuctionRepo
	*BidRepo
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore builds a store over db.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{AuctionRepo: NewAuctionRepo(db), BidRepo: NewBidRepo(db), db: db}
}

// DB exposes the underlying sql.DB.
func (s *MySQLStore) DB() *sql.DB { return s.db }

// Atomically runs fn in a transaction holding the auction's row lock.
// Lock wait timeouts and deadlocks surface as ErrConflict.
func (s *MySQLStore) Atomically(ctx context.Context, auctionID uint64, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	a, err := scanAuction(tx.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = ? FOR UPDATE`, auctionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAuctionNotFound
		}
		return mapLockError(err)
	}
	if err := fn(&mysqlTx{ctx: ctx, tx: tx, auction: a}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapLockError(err)
	}
	committed = true
	return nil
}

// mysqlTx implements Tx over an open *sql.Tx.
type mysqlTx struct {
	ctx     context.Context
	tx      *sql.Tx
	auction model.Auction
}

func (t *mysqlTx) Auction() model.Auction { return t.auction }

func (t *mysqlTx) Winning() (*model.Bid, error) {
	b, err := scanBid(t.tx.QueryRowContext(t.ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND is_winning = 1 LIMIT 1`, t.auction.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapLockError(err)
	}
	return &b, nil
}

func (t *mysqlTx) Append(b *model.Bid) error {
	if b.AuctionID != t.auction.ID {
		return ErrConflict
	}
	var tail sql.NullTime
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT MAX(created_at) FROM bids WHERE auction_id = ?`, t.auction.ID).Scan(&tail)
	if err != nil {
		return mapLockError(err)
	}
	if tail.Valid && b.CreatedAt.Before(tail.Time) {
		return ErrConflict
	}
	if b.IsWinning {
		if err := t.ClearWinning(); err != nil {
			return err
		}
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO bids (auction_id, bidder_id, bid_amount, created_at, is_winning) VALUES (?, ?, ?, ?, ?)`,
		b.AuctionID, b.BidderID, b.Amount, b.CreatedAt.UTC(), b.IsWinning)
	if err != nil {
		return mapLockError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

func (t *mysqlTx) ClearWinning() error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE bids SET is_winning = 0 WHERE auction_id = ? AND is_winning = 1`, t.auction.ID)
	return mapLockError(err)
}

func (t *mysqlTx) UpdateSummary(currentPrice int64, status model.Status, bumpBidCount bool) error {
	if !t.auction.Status.CanTransition(status) {
		return ErrConflict
	}
	bump := 0
	if bumpBidCount {
		bump = 1
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE auctions SET current_price = ?, status = ?, bid_count = bid_count + ? WHERE id = ?`,
		currentPrice, string(status), bump, t.auction.ID)
	if err != nil {
		return mapLockError(err)
	}
	t.auction.CurrentPrice = currentPrice
	t.auction.Status = status
	t.auction.BidCount += int64(bump)
	return nil
}

func (t *mysqlTx) RecordSettlement(s model.Settlement) error {
	if s.AuctionID != t.auction.ID || !s.Status.Terminal() {
		return ErrConflict
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO auction_settlements (auction_id, status, reason, winner_id, winning_bid_id, amount, closed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.AuctionID, string(s.Status), string(s.Reason), nullableID(s.WinnerID), nullableID(s.WinningBidID),
		s.Amount, s.ClosedAt.UTC())
	return mapLockError(err)
}

// nullableID maps a zero id to SQL NULL.
func nullableID(id uint64) any {
	if id == 0 {
		return nil
	}
	return id
}
