// Package settlement delivers auction outcome notifications (outbid, won,
// sold) to the messaging collaborator.  Delivery is fire-and-forget: it
// happens after the transition commits and can never undo it.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/market-auction/internal/model"
)

// Messenger sends one notification.
type Messenger interface {
	Notify(ctx context.Context, n model.Notification) error
}

// LogMessenger writes notifications to the log instead of a broker.
type LogMessenger struct{}

func (LogMessenger) Notify(_ context.Context, n model.Notification) error {
	log.Info().Str("type", string(n.Type)).Uint64("auction_id", n.AuctionID).
		Uint64("user_id", n.UserID).Int64("amount", n.Amount).Msg("notify: delivered to log")
	return nil
}

// Config holds Dispatcher settings.
type Config struct {
	Workers int           // concurrent senders, default 2
	Backlog int           // queued notifications before new ones are dropped, default 1024
	Timeout time.Duration // per-send timeout, default 5s
}

// Dispatcher queues notifications in memory and hands them to a Messenger
// from a fixed set of workers.
type Dispatcher struct {
	messenger Messenger
	cfg       Config

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *deque.Deque
	closed  bool
	dropped uint64
}

// NewDispatcher returns a dispatcher sending through m.
func NewDispatcher(m Messenger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Dispatcher{messenger: m, cfg: cfg, queue: deque.New()}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Dispatch enqueues ns and returns immediately.  Notifications that do
// not fit in the backlog, or arrive after shutdown, are dropped.
func (d *Dispatcher) Dispatch(ns ...model.Notification) {
	if len(ns) == 0 {
		return
	}
	d.mu.Lock()
	for _, n := range ns {
		if d.closed || d.queue.Len() >= d.cfg.Backlog {
			d.dropped++
			log.Warn().Str("type", string(n.Type)).Uint64("auction_id", n.AuctionID).
				Uint64("user_id", n.UserID).Msg("notify: backlog full, notification dropped")
			continue
		}
		d.queue.PushBack(n)
	}
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Dropped returns how many notifications were discarded.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run starts the workers and blocks until ctx is done.  Queued
// notifications are flushed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work()
		}()
	}
	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	wg.Wait()
	return nil
}

func (d *Dispatcher) work() {
	for {
		d.mu.Lock()
		for d.queue.Len() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		n := d.queue.PopFront().(model.Notification)
		d.mu.Unlock()
		d.send(n)
	}
}

func (d *Dispatcher) send(n model.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.messenger.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("type", string(n.Type)).Uint64("auction_id", n.AuctionID).
			Uint64("user_id", n.UserID).Msg("notify: delivery failed")
	}
}
