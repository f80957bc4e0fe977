package bidding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/market-auction/internal/repository"
)

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Interval time.Duration // time between sweeps, default 1s
	Batch    int           // overdue auctions handled per sweep, default 100
	Workers  int           // concurrent closures, default 4
	Grace    time.Duration // overdue age reported as a violation, default 10*Interval
}

// Sweeper closes auctions whose deadline has passed.  It takes the same
// exclusive section as PlaceBid through Engine.Close, so a bid accepted
// just before the deadline and the closure never interleave.
type Sweeper struct {
	engine   *Engine
	registry repository.AuctionRegistry
	opts     SweeperOptions
}

// NewSweeper builds a sweeper for engine, discovering candidates through
// registry.
func NewSweeper(engine *Engine, registry repository.AuctionRegistry, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * opts.Interval
	}
	return &Sweeper{engine: engine, registry: registry, opts: opts}
}

// Grace returns how long an auction may stay active past its deadline
// before it counts as a violation.
func (s *Sweeper) Grace() time.Duration { return s.opts.Grace }

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	log.Info().Dur("interval", s.opts.Interval).Msg("sweeper: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper: stopped")
			return nil
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("sweeper: sweep failed; retrying next tick")
			}
		}
	}
}

// SweepOnce closes one batch of overdue auctions and returns how many
// reached a terminal status.  A failure on one auction is logged and
// left for the next sweep; only a failure to list candidates is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.engine.clock.Now()
	ids, err := s.registry.ListOverdue(ctx, now, s.opts.Batch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var closed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, id := range ids {
		g.Go(func() error {
			status, err := s.engine.Close(gctx, id)
			if err != nil {
				log.Warn().Err(err).Uint64("auction_id", id).Msg("sweeper: close failed")
				return nil
			}
			if status.Terminal() {
				closed.Add(1)
				log.Info().Uint64("auction_id", id).Str("status", string(status)).Msg("sweeper: auction closed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if n, err := s.registry.CountOverdue(ctx, now.Add(-s.opts.Grace)); err == nil && n > 0 {
		log.Error().Int("overdue", n).Dur("grace", s.opts.Grace).
			Msg("sweeper: active auctions past deadline beyond grace window")
	}
	return int(closed.Load()), nil
}
