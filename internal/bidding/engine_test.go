package bidding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/market-auction/internal/lock"
	"github.com/iliyamo/market-auction/internal/model"
	"github.com/iliyamo/market-auction/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *recordingNotifier) Dispatch(ns ...model.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, ns...)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.sent...)
}

type fixture struct {
	store    *repository.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    repository.NewMemoryStore(),
		clock:    newFakeClock(t0.Add(time.Minute)),
		notifier: &recordingNotifier{},
	}
	opts.Clock = f.clock
	opts.Notifier = f.notifier
	if opts.LockWait == 0 {
		opts.LockWait = 5 * time.Second
	}
	f.engine = NewEngine(f.store, lock.NewLocal(0), opts)
	return f
}

func (f *fixture) upAuction(instant int64) model.Auction {
	a := model.Auction{
		SellerID:     1,
		Type:         model.AuctionUp,
		StartPrice:   10000,
		BidIncrement: 1000,
		EndsAt:       t0.Add(time.Hour),
		CreatedAt:    t0,
	}
	if instant > 0 {
		a.InstantPrice = model.Int64(instant)
	}
	return f.store.Insert(a)
}

func (f *fixture) downAuction() model.Auction {
	return f.store.Insert(model.Auction{
		SellerID:   1,
		Type:       model.AuctionDown,
		StartPrice: 10000,
		MinPrice:   model.Int64(5000),
		EndsAt:     t0.Add(100 * time.Minute),
		CreatedAt:  t0,
	})
}

func (f *fixture) get(t *testing.T, id uint64) model.Auction {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestPlaceBid_UpAuctionScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.upAuction(20000)

	res, err := f.engine.PlaceBid(ctx, a.ID, 2, 11000)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsWinning)
	assert.False(t, res.InstantWin)
	assert.Equal(t, int64(11000), res.CurrentPrice)

	_, err = f.engine.PlaceBid(ctx, a.ID, 3, 11500)
	assert.ErrorIs(t, err, ErrBidTooLow)
	assert.Contains(t, err.Error(), "12000")

	res, err = f.engine.PlaceBid(ctx, a.ID, 3, 20000)
	require.NoError(t, err)
	assert.True(t, res.InstantWin)

	_, err = f.engine.PlaceBid(ctx, a.ID, 4, 25000)
	assert.ErrorIs(t, err, ErrNotActive)

	got := f.get(t, a.ID)
	assert.Equal(t, model.StatusSold, got.Status)
	assert.Equal(t, int64(20000), got.CurrentPrice)
	assert.Equal(t, int64(2), got.BidCount)

	st, ok := f.store.Settlement(a.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReasonInstantWin, st.Reason)
	assert.Equal(t, uint64(3), st.WinnerID)
	assert.Equal(t, res.Bid.ID, st.WinningBidID)
	assert.Equal(t, int64(20000), st.Amount)

	assert.ElementsMatch(t, []model.Notification{
		{Type: model.NotifyOutbid, AuctionID: a.ID, UserID: 2, Amount: 20000},
		{Type: model.NotifyWon, AuctionID: a.ID, UserID: 3, Amount: 20000},
		{Type: model.NotifySold, AuctionID: a.ID, UserID: 1, Amount: 20000},
	}, f.notifier.all())

	bids, err := f.store.List(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.False(t, bids[0].IsWinning)
	assert.True(t, bids[1].IsWinning)
}

func TestPlaceBid_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.upAuction(0)

	_, err := f.engine.PlaceBid(ctx, a.ID, 2, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.engine.PlaceBid(ctx, 999, 2, 11000)
	assert.ErrorIs(t, err, ErrAuctionNotFound)

	_, err = f.engine.PlaceBid(ctx, a.ID, a.SellerID, 11000)
	assert.ErrorIs(t, err, ErrSellerBid)

	assert.Equal(t, int64(0), f.get(t, a.ID).BidCount)
}

func TestPlaceBid_SelfSupersede(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, Options{})
	a := f.upAuction(0)
	_, err := f.engine.PlaceBid(ctx, a.ID, 2, 11000)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, a.ID, 2, 12000)
	require.NoError(t, err)
	assert.Empty(t, f.notifier.all(), "raising your own bid notifies nobody")

	f = newFixture(t, Options{Supersede: RejectSupersede{}})
	a = f.upAuction(0)
	_, err = f.engine.PlaceBid(ctx, a.ID, 2, 11000)
	require.NoError(t, err)
	_, err = f.engine.PlaceBid(ctx, a.ID, 2, 12000)
	assert.ErrorIs(t, err, ErrAlreadyWinning)
}

func TestPlaceBid_DeadlineIsInclusive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.upAuction(0)

	f.clock.Set(a.EndsAt.Add(-time.Nanosecond))
	_, err := f.engine.PlaceBid(ctx, a.ID, 2, 11000)
	require.NoError(t, err)

	f.clock.Set(a.EndsAt)
	_, err = f.engine.PlaceBid(ctx, a.ID, 3, 12000)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, int64(11000), f.get(t, a.ID).CurrentPrice)
}

func TestPlaceBid_DownAuctionMatchesSchedule(t *testing.T) {
	f := newFixture(t, Options{Schedule: LinearDecay{Tick: time.Minute}})
	ctx := context.Background()
	a := f.downAuction()
	f.clock.Set(t0.Add(10 * time.Minute))

	_, err := f.engine.PlaceBid(ctx, a.ID, 2, 9400)
	assert.ErrorIs(t, err, ErrStalePrice)
	assert.Contains(t, err.Error(), "9500")

	res, err := f.engine.PlaceBid(ctx, a.ID, 2, 9500)
	require.NoError(t, err)
	assert.False(t, res.InstantWin)

	got := f.get(t, a.ID)
	assert.Equal(t, model.StatusSold, got.Status)
	assert.Equal(t, int64(9500), got.CurrentPrice)

	st, ok := f.store.Settlement(a.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReasonDownAccepted, st.Reason)
	assert.Equal(t, uint64(2), st.WinnerID)
}

func TestPlaceBid_DownAuctionExactlyOneWinner(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.downAuction()
	price := f.engine.Schedule().PriceAt(a, f.clock.Now())

	const n = 64
	var (
		wg      sync.WaitGroup
		wins    atomic.Int64
		closedN atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(bidder uint64) {
			defer wg.Done()
			_, err := f.engine.PlaceBid(ctx, a.ID, bidder, price)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNotActive):
				closedN.Add(1)
			default:
				assert.NoError(t, err)
			}
		}(uint64(100 + i))
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(n-1), closedN.Load())
	got := f.get(t, a.ID)
	assert.Equal(t, int64(1), got.BidCount)
	bids, err := f.store.List(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestPlaceBid_ConcurrentUpBidsStayMonotonic(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.upAuction(0)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(11000 + (i%10)*1000)
			_, err := f.engine.PlaceBid(ctx, a.ID, uint64(10+i), amount)
			if err != nil && !errors.Is(err, ErrBidTooLow) {
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	bids, err := f.store.List(ctx, a.ID)
	require.NoError(t, err)
	require.NotEmpty(t, bids)
	prev := a.StartPrice
	for _, b := range bids {
		assert.GreaterOrEqual(t, b.Amount, prev+a.BidIncrement)
		prev = b.Amount
	}
	got := f.get(t, a.ID)
	assert.Equal(t, prev, got.CurrentPrice)
	assert.Equal(t, int64(len(bids)), got.BidCount)

	win, err := f.store.Winning(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, win)
	assert.Equal(t, bids[len(bids)-1].ID, win.ID)
}

func TestPlaceBid_BidderNumbersAreStable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.upAuction(0)

	for i, bidder := range []uint64{7, 9, 7, 5, 9} {
		_, err := f.engine.PlaceBid(ctx, a.ID, bidder, int64(11000+i*1000))
		require.NoError(t, err)
	}
	nums, err := f.store.BidderNumbers(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int{7: 1, 9: 2, 5: 3}, nums)
}

func TestClose_SettlesAfterDeadline(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sold := f.upAuction(0)
	unsold := f.upAuction(0)

	_, err := f.engine.PlaceBid(ctx, sold.ID, 2, 11000)
	require.NoError(t, err)

	status, err := f.engine.Close(ctx, sold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, status, "not due yet")

	f.clock.Set(sold.EndsAt)
	status, err = f.engine.Close(ctx, sold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSold, status)

	status, err = f.engine.Close(ctx, unsold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnded, status)

	st, ok := f.store.Settlement(sold.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReasonDeadline, st.Reason)
	assert.Equal(t, uint64(2), st.WinnerID)
	assert.Equal(t, int64(11000), st.Amount)

	st, ok = f.store.Settlement(unsold.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusEnded, st.Status)
	assert.Zero(t, st.WinnerID)

	// closing twice is a no-op
	status, err = f.engine.Close(ctx, sold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSold, status)

	_, err = f.engine.PlaceBid(ctx, sold.ID, 3, 50000)
	assert.ErrorIs(t, err, ErrNotActive)

	ns := f.notifier.all()
	assert.Len(t, ns, 2)
	assert.Contains(t, ns, model.Notification{Type: model.NotifyWon, AuctionID: sold.ID, UserID: 2, Amount: 11000})
}

func TestClose_RacesWithBidsAtDeadline(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.upAuction(0)
	f.clock.Set(a.EndsAt.Add(-time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = f.engine.PlaceBid(ctx, a.ID, uint64(10+i), int64(11000+i*1000))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Close(ctx, a.ID)
		}()
		if i == 10 {
			f.clock.Set(a.EndsAt)
		}
	}
	wg.Wait()

	status, err := f.engine.Close(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, status.Terminal())

	got := f.get(t, a.ID)
	bids, err := f.store.List(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(bids)), got.BidCount)
	for _, b := range bids {
		assert.True(t, b.CreatedAt.Before(a.EndsAt))
	}
	st, ok := f.store.Settlement(a.ID)
	require.True(t, ok)
	if len(bids) > 0 {
		assert.Equal(t, bids[len(bids)-1].ID, st.WinningBidID)
		assert.Equal(t, got.CurrentPrice, st.Amount)
	} else {
		assert.Equal(t, model.StatusEnded, st.Status)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("seller before first bid", func(t *testing.T) {
		f := newFixture(t, Options{})
		a := f.upAuction(0)
		assert.ErrorIs(t, f.engine.Cancel(ctx, a.ID, 42, false), ErrForbidden)
		require.NoError(t, f.engine.Cancel(ctx, a.ID, a.SellerID, false))
		assert.Equal(t, model.StatusCancelled, f.get(t, a.ID).Status)
		st, ok := f.store.Settlement(a.ID)
		require.True(t, ok)
		assert.Equal(t, model.ReasonCancelled, st.Reason)

		assert.ErrorIs(t, f.engine.Cancel(ctx, a.ID, a.SellerID, false), ErrNotActive)
		_, err := f.engine.PlaceBid(ctx, a.ID, 2, 11000)
		assert.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("rejected once bids exist", func(t *testing.T) {
		f := newFixture(t, Options{})
		a := f.upAuction(0)
		_, err := f.engine.PlaceBid(ctx, a.ID, 2, 11000)
		require.NoError(t, err)
		assert.ErrorIs(t, f.engine.Cancel(ctx, a.ID, a.SellerID, false), ErrCancelNotAllowed)
		assert.Equal(t, model.StatusActive, f.get(t, a.ID).Status)
	})

	t.Run("admin with cancel always", func(t *testing.T) {
		f := newFixture(t, Options{Cancel: CancelAlways{}})
		a := f.upAuction(0)
		_, err := f.engine.PlaceBid(ctx, a.ID, 2, 11000)
		require.NoError(t, err)
		require.NoError(t, f.engine.Cancel(ctx, a.ID, 99, true))

		win, err := f.store.Winning(ctx, a.ID)
		require.NoError(t, err)
		assert.Nil(t, win)
		bids, err := f.store.List(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, bids, 1)
		assert.False(t, bids[0].IsWinning)
	})

	t.Run("after deadline", func(t *testing.T) {
		f := newFixture(t, Options{})
		a := f.upAuction(0)
		f.clock.Set(a.EndsAt)
		assert.ErrorIs(t, f.engine.Cancel(ctx, a.ID, a.SellerID, false), ErrExpired)
	})
}

// flakyLocker times out the first fails acquisitions.
type flakyLocker struct {
	fails atomic.Int64
	calls atomic.Int64
	next  lock.Locker
}

func (l *flakyLocker) Acquire(ctx context.Context, id uint64) (lock.Release, error) {
	l.calls.Add(1)
	if l.fails.Add(-1) >= 0 {
		return nil, lock.ErrTimeout
	}
	return l.next.Acquire(ctx, id)
}

func TestPlaceBid_RetriesContention(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	clock := newFakeClock(t0.Add(time.Minute))
	a := store.Insert(model.Auction{SellerID: 1, Type: model.AuctionUp, StartPrice: 100, BidIncrement: 10, EndsAt: t0.Add(time.Hour), CreatedAt: t0})

	fl := &flakyLocker{next: lock.NewLocal(0)}
	fl.fails.Store(2)
	e := NewEngine(store, fl, Options{Clock: clock, Retries: 3})
	_, err := e.PlaceBid(ctx, a.ID, 2, 110)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fl.calls.Load())

	fl = &flakyLocker{next: lock.NewLocal(0)}
	fl.fails.Store(10)
	e = NewEngine(store, fl, Options{Clock: clock, Retries: 2})
	_, err = e.PlaceBid(ctx, a.ID, 3, 120)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, Retryable(err))
	assert.Equal(t, int64(3), fl.calls.Load())
}

func TestPlaceBid_LockWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	locks := lock.NewLocal(0)
	a := store.Insert(model.Auction{SellerID: 1, Type: model.AuctionUp, StartPrice: 100, BidIncrement: 10, EndsAt: time.Now().Add(time.Hour)})
	e := NewEngine(store, locks, Options{LockWait: 10 * time.Millisecond, Retries: -1})

	release, err := locks.Acquire(ctx, a.ID)
	require.NoError(t, err)
	defer release()

	_, err = e.PlaceBid(ctx, a.ID, 2, 110)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "conflict", CodeOf(err))
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate(nil))
	assert.ErrorIs(t, translate(repository.ErrAuctionNotFound), ErrAuctionNotFound)
	assert.ErrorIs(t, translate(repository.ErrConflict), ErrConflict)
	assert.ErrorIs(t, translate(ErrBidTooLow), ErrBidTooLow)

	err := translate(errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.Equal(t, KindInfrastructure, KindOf(err))
	assert.Equal(t, "internal", CodeOf(errors.New("x")))
}
