package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/market-auction/internal/model"
)

func newMock(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQLStore(db), mock
}

var auctionCols = []string{
	"id", "seller_id", "auction_type", "start_price", "current_price", "bid_increment",
	"instant_price", "min_price", "bid_visibility", "status", "ends_at",
	"bid_count", "watch_count", "view_count", "created_at",
}

func auctionRow(id uint64, status string) *sqlmock.Rows {
	return sqlmock.NewRows(auctionCols).AddRow(
		id, 1, "up", 10000, 11000, 1000,
		20000, nil, "public", status, t0.Add(time.Hour),
		1, 0, 4, t0,
	)
}

func TestMySQLStore_Get(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM auctions WHERE id = \?`).
		WithArgs(5).
		WillReturnRows(auctionRow(5, "active"))

	a, err := s.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), a.ID)
	assert.Equal(t, model.AuctionUp, a.Type)
	assert.Equal(t, model.StatusActive, a.Status)
	require.NotNil(t, a.InstantPrice)
	assert.Equal(t, int64(20000), *a.InstantPrice)
	assert.Nil(t, a.MinPrice)
	assert.Equal(t, time.UTC, a.EndsAt.Location())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM auctions WHERE id = \?`).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows(auctionCols))

	_, err := s.Get(context.Background(), 9)
	assert.ErrorIs(t, err, ErrAuctionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_AtomicallyCommitsBid(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM auctions WHERE id = \? FOR UPDATE`).WithArgs(5).WillReturnRows(auctionRow(5, "active"))
	mock.ExpectQuery(`SELECT MAX\(created_at\) FROM bids`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(t0))
	mock.ExpectExec(`UPDATE bids SET is_winning = 0`).WithArgs(5).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO bids`).
		WithArgs(5, 7, 12000, sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectExec(`UPDATE auctions SET current_price = \?, status = \?, bid_count = bid_count \+ \?`).
		WithArgs(12000, "active", 1, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var placed model.Bid
	err := s.Atomically(context.Background(), 5, func(tx Tx) error {
		b := &model.Bid{AuctionID: 5, BidderID: 7, Amount: 12000, CreatedAt: t0.Add(time.Second), IsWinning: true}
		if err := tx.Append(b); err != nil {
			return err
		}
		placed = *b
		return tx.UpdateSummary(12000, model.StatusActive, true)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), placed.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_AtomicallyRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(5).WillReturnRows(auctionRow(5, "active"))
	mock.ExpectRollback()

	err := s.Atomically(context.Background(), 5, func(Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_AtomicallyRejectsOlderBid(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(5).WillReturnRows(auctionRow(5, "active"))
	mock.ExpectQuery(`SELECT MAX\(created_at\) FROM bids`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(t0))
	mock.ExpectRollback()

	err := s.Atomically(context.Background(), 5, func(tx Tx) error {
		return tx.Append(&model.Bid{AuctionID: 5, BidderID: 7, Amount: 12000, CreatedAt: t0.Add(-time.Second)})
	})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_LockErrorsBecomeConflicts(t *testing.T) {
	for _, number := range []uint16{mysqlLockWaitTimeout, mysqlDeadlock} {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WithArgs(5).WillReturnError(&mysql.MySQLError{Number: number, Message: "lock"})
		mock.ExpectRollback()

		err := s.Atomically(context.Background(), 5, func(Tx) error {
			t.Fatal("fn must not run without the row lock")
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict, "error %d", number)
		require.NoError(t, mock.ExpectationsWereMet())
	}

	other := &mysql.MySQLError{Number: 1146, Message: "no such table"}
	assert.Equal(t, error(other), mapLockError(other))
	assert.NoError(t, mapLockError(nil))
}

func TestMySQLStore_RecordSettlement(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(5).WillReturnRows(auctionRow(5, "active"))
	mock.ExpectExec(`UPDATE auctions SET current_price`).WithArgs(11000, "ended", 0, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO auction_settlements`).
		WithArgs(5, "ended", "deadline", nil, nil, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Atomically(context.Background(), 5, func(tx Tx) error {
		if err := tx.UpdateSummary(11000, model.StatusEnded, false); err != nil {
			return err
		}
		return tx.RecordSettlement(model.Settlement{
			AuctionID: 5, Status: model.StatusEnded, Reason: model.ReasonDeadline, ClosedAt: t0,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuctionRepo_ListOverdue(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT id FROM auctions WHERE status = 'active' AND ends_at <= \?`).
		WithArgs(t0, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(5))

	ids, err := s.ListOverdue(context.Background(), t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 5}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBidRepo_BidderNumbers(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT bidder_id, MIN\(id\) AS first_id FROM bids`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"bidder_id", "first_id"}).AddRow(7, 1).AddRow(9, 2).AddRow(4, 6))

	got, err := s.BidderNumbers(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int{7: 1, 9: 2, 4: 3}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWatchRepo(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewWatchRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM auctions WHERE id = \?`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec(`INSERT IGNORE INTO auction_watches`).WithArgs(5, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE auctions SET watch_count = watch_count \+ 1`).WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := r.AddWatch(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM auctions WHERE id = \?`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec(`INSERT IGNORE INTO auction_watches`).WithArgs(5, 3).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	changed, err = r.AddWatch(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.False(t, changed, "a repeated watch leaves watch_count alone")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM auctions WHERE id = \?`).WithArgs(404).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	_, err = r.RemoveWatch(context.Background(), 404, 3)
	assert.ErrorIs(t, err, ErrAuctionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWatchRepo_ToggleLocksAuctionRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewWatchRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM auctions WHERE id = \? FOR UPDATE`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(5, 3).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT IGNORE INTO auction_watches`).WithArgs(5, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE auctions SET watch_count = watch_count \+ 1`).WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	watching, err := r.ToggleWatch(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.True(t, watching)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM auctions WHERE id = \? FOR UPDATE`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(5, 3).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`DELETE FROM auction_watches`).WithArgs(5, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE auctions SET watch_count = GREATEST`).WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	watching, err = r.ToggleWatch(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.False(t, watching)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(404).WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	_, err = r.ToggleWatch(context.Background(), 404, 3)
	assert.ErrorIs(t, err, ErrAuctionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
