// Package lock provides the per-auction mutual exclusion used by the
// bidding engine and the closure sweeper.  A lock is keyed by auction id;
// different ids never wait on each other.  Every acquisition is bounded by
// its context, so a stuck holder yields ErrTimeout instead of a deadlock.
package lock

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"

	"github.com/iliyamo/market-auction/internal/syncutils"
)

// ErrTimeout is returned when the context ends before the lock is free.
var ErrTimeout = errors.New("lock: wait timed out")

// Release frees a held lock.  It must be called exactly once.
type Release func()

// Locker acquires the exclusive section of one auction.
type Locker interface {
	Acquire(ctx context.Context, auctionID uint64) (Release, error)
}

const defaultShards = 64

type entry struct {
	slot chan struct{}
	refs int
}

type shard struct {
	mu      syncutils.Mutex
	entries map[uint64]*entry
}

// Local is an in-process keyed lock.  Keys are spread over shards by
// xxhash so the bookkeeping mutex is not a global bottleneck; each key
// owns a one-slot channel so waiters can give up when their context ends.
// Idle entries are dropped so the map does not grow with every auction
// ever seen.
type Local struct {
	shards []shard
}

// NewLocal returns a Local lock with n shards (64 when n <= 0).
func NewLocal(n int) *Local {
	if n <= 0 {
		n = defaultShards
	}
	l := &Local{shards: make([]shard, n)}
	for i := range l.shards {
		l.shards[i].entries = make(map[uint64]*entry)
	}
	return l
}

func (l *Local) shardFor(id uint64) *shard {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return &l.shards[xxhash.Sum64(b[:])%uint64(len(l.shards))]
}

// Acquire blocks until the key is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, auctionID uint64) (Release, error) {
	sh := l.shardFor(auctionID)
	sh.mu.Lock()
	e, ok := sh.entries[auctionID]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		sh.entries[auctionID] = e
	}
	e.refs++
	sh.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		return func() {
			<-e.slot
			l.unref(sh, auctionID, e)
		}, nil
	case <-ctx.Done():
		l.unref(sh, auctionID, e)
		return nil, ErrTimeout
	}
}

func (l *Local) unref(sh *shard, id uint64, e *entry) {
	sh.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(sh.entries, id)
	}
	sh.mu.Unlock()
}

// held reports how many keys currently have holders or waiters.
func (l *Local) held() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Chain acquires several lockers in order and releases them in reverse.
// It is used to take the cheap local lock before the distributed one so
// requests on one instance queue in memory instead of polling Redis.
type Chain []Locker

func (c Chain) Acquire(ctx context.Context, auctionID uint64) (Release, error) {
	releases := make([]Release, 0, len(c))
	undo := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, lk := range c {
		rel, err := lk.Acquire(ctx, auctionID)
		if err != nil {
			undo()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return undo, nil
}
