package repository

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/iliyamo/market-auction/internal/model"
	"github.com/iliyamo/market-auction/internal/syncutils"
)

// memAuction holds everything the memory store knows about one auction.
// txMu plays the role of the row lock taken by SELECT ... FOR UPDATE; mu
// guards the fields for readers.
type memAuction struct {
	txMu syncutils.Mutex
	mu   syncutils.RWMutex

	auction    model.Auction
	bids       *btree.BTreeG[model.Bid]
	winning    *model.Bid
	bidders    map[uint64]int
	watchers   map[uint64]struct{}
	settlement *model.Settlement
}

func bidLess(a, b model.Bid) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MemoryStore is an in-process Store and WatchStore.  It backs the test
// suite and STORE_DRIVER=memory deployments.  Auctions are created with
// Insert since listing itself happens outside the engine.
type MemoryStore struct {
	mu        syncutils.RWMutex
	auctions  map[uint64]*memAuction
	nextID    atomic.Uint64
	nextBidID atomic.Uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{auctions: make(map[uint64]*memAuction)}
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ WatchStore = (*MemoryStore)(nil)
)

// Insert stores a new auction and returns it with defaults applied: an id
// when zero, status active, current price equal to the start price and a
// creation time of now.
func (s *MemoryStore) Insert(a model.Auction) model.Auction {
	if a.ID == 0 {
		a.ID = s.nextID.Add(1)
	}
	if a.Status == "" {
		a.Status = model.StatusActive
	}
	if a.CurrentPrice == 0 {
		a.CurrentPrice = a.StartPrice
	}
	if a.Visibility == "" {
		a.Visibility = model.VisibilityPublic
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	ma := &memAuction{
		auction:  a,
		bids:     btree.NewG[model.Bid](16, bidLess),
		bidders:  make(map[uint64]int),
		watchers: make(map[uint64]struct{}),
	}
	s.mu.Lock()
	s.auctions[a.ID] = ma
	s.mu.Unlock()
	return a
}

// Settlement returns the recorded outcome of an auction, if any.
func (s *MemoryStore) Settlement(auctionID uint64) (model.Settlement, bool) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return model.Settlement{}, false
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	if ma.settlement == nil {
		return model.Settlement{}, false
	}
	return *ma.settlement, true
}

func (s *MemoryStore) lookup(id uint64) (*memAuction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.auctions[id]
	return ma, ok
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (model.Auction, error) {
	ma, ok := s.lookup(id)
	if !ok {
		return model.Auction{}, ErrAuctionNotFound
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.auction, nil
}

func (s *MemoryStore) IncrementViews(_ context.Context, id uint64) error {
	ma, ok := s.lookup(id)
	if !ok {
		return ErrAuctionNotFound
	}
	ma.mu.Lock()
	ma.auction.ViewCount++
	ma.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]uint64, error) {
	type due struct {
		id     uint64
		endsAt time.Time
	}
	var found []due
	s.mu.RLock()
	for id, ma := range s.auctions {
		ma.mu.RLock()
		if ma.auction.Status == model.StatusActive && !ma.auction.EndsAt.After(now) {
			found = append(found, due{id: id, endsAt: ma.auction.EndsAt})
		}
		ma.mu.RUnlock()
	}
	s.mu.RUnlock()
	sort.Slice(found, func(i, j int) bool {
		if found[i].endsAt.Equal(found[j].endsAt) {
			return found[i].id < found[j].id
		}
		return found[i].endsAt.Before(found[j].endsAt)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]uint64, 0, len(found))
	for _, d := range found {
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (s *MemoryStore) CountOverdue(_ context.Context, before time.Time) (int, error) {
	n := 0
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ma := range s.auctions {
		ma.mu.RLock()
		if ma.auction.Status == model.StatusActive && ma.auction.EndsAt.Before(before) {
			n++
		}
		ma.mu.RUnlock()
	}
	return n, nil
}

func (s *MemoryStore) Winning(_ context.Context, auctionID uint64) (*model.Bid, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return nil, ErrAuctionNotFound
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	if ma.winning == nil {
		return nil, nil
	}
	w := *ma.winning
	return &w, nil
}

func (s *MemoryStore) List(_ context.Context, auctionID uint64) ([]model.Bid, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return nil, ErrAuctionNotFound
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	out := make([]model.Bid, 0, ma.bids.Len())
	ma.bids.Ascend(func(b model.Bid) bool {
		b.IsWinning = ma.winning != nil && ma.winning.ID == b.ID
		out = append(out, b)
		return true
	})
	return out, nil
}

func (s *MemoryStore) BidderNumber(_ context.Context, auctionID, bidderID uint64) (int, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return 0, ErrAuctionNotFound
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.bidders[bidderID], nil
}

func (s *MemoryStore) BidderNumbers(_ context.Context, auctionID uint64) (map[uint64]int, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return nil, ErrAuctionNotFound
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	out := make(map[uint64]int, len(ma.bidders))
	for k, v := range ma.bidders {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Atomically(_ context.Context, auctionID uint64, fn func(Tx) error) error {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return ErrAuctionNotFound
	}
	ma.txMu.Lock()
	defer ma.txMu.Unlock()

	ma.mu.RLock()
	tx := &memTx{store: s, auction: ma.auction}
	if ma.winning != nil {
		w := *ma.winning
		tx.winning = &w
	}
	if tail, ok := ma.bids.Max(); ok {
		tx.tail = &tail
	}
	ma.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	for _, b := range tx.appended {
		b.IsWinning = false
		ma.bids.ReplaceOrInsert(b)
		if _, seen := ma.bidders[b.BidderID]; !seen {
			ma.bidders[b.BidderID] = len(ma.bidders) + 1
		}
	}
	ma.winning = tx.winning
	// counters touched outside the tx (views, watches) are left alone
	ma.auction.CurrentPrice = tx.auction.CurrentPrice
	ma.auction.Status = tx.auction.Status
	ma.auction.BidCount = tx.auction.BidCount
	if tx.settlement != nil {
		st := *tx.settlement
		ma.settlement = &st
	}
	return nil
}

func (s *MemoryStore) AddWatch(_ context.Context, auctionID, userID uint64) (bool, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return false, ErrAuctionNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if _, ok := ma.watchers[userID]; ok {
		return false, nil
	}
	ma.watchers[userID] = struct{}{}
	ma.auction.WatchCount++
	return true, nil
}

func (s *MemoryStore) RemoveWatch(_ context.Context, auctionID, userID uint64) (bool, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return false, ErrAuctionNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if _, ok := ma.watchers[userID]; !ok {
		return false, nil
	}
	delete(ma.watchers, userID)
	ma.auction.WatchCount--
	return true, nil
}

func (s *MemoryStore) ToggleWatch(_ context.Context, auctionID, userID uint64) (bool, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return false, ErrAuctionNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if _, ok := ma.watchers[userID]; ok {
		delete(ma.watchers, userID)
		ma.auction.WatchCount--
		return false, nil
	}
	ma.watchers[userID] = struct{}{}
	ma.auction.WatchCount++
	return true, nil
}

func (s *MemoryStore) IsWatching(_ context.Context, auctionID, userID uint64) (bool, error) {
	ma, ok := s.lookup(auctionID)
	if !ok {
		return false, ErrAuctionNotFound
	}
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	_, ok = ma.watchers[userID]
	return ok, nil
}

// memTx stages writes until Atomically applies them.
type memTx struct {
	store      *MemoryStore
	auction    model.Auction
	winning    *model.Bid
	tail       *model.Bid
	appended   []model.Bid
	settlement *model.Settlement
}

func (t *memTx) Auction() model.Auction { return t.auction }

func (t *memTx) Winning() (*model.Bid, error) {
	if t.winning == nil {
		return nil, nil
	}
	w := *t.winning
	return &w, nil
}

func (t *memTx) Append(b *model.Bid) error {
	if b.AuctionID != t.auction.ID {
		return ErrConflict
	}
	if t.tail != nil && b.CreatedAt.Before(t.tail.CreatedAt) {
		return ErrConflict
	}
	b.ID = t.store.nextBidID.Add(1)
	staged := *b
	t.appended = append(t.appended, staged)
	t.tail = &staged
	if b.IsWinning {
		w := staged
		t.winning = &w
	}
	return nil
}

func (t *memTx) ClearWinning() error {
	t.winning = nil
	return nil
}

func (t *memTx) UpdateSummary(currentPrice int64, status model.Status, bumpBidCount bool) error {
	if !t.auction.Status.CanTransition(status) {
		return ErrConflict
	}
	t.auction.CurrentPrice = currentPrice
	t.auction.Status = status
	if bumpBidCount {
		t.auction.BidCount++
	}
	return nil
}

func (t *memTx) RecordSettlement(s model.Settlement) error {
	if s.AuctionID != t.auction.ID || !s.Status.Terminal() {
		return ErrConflict
	}
	t.settlement = &s
	return nil
}
