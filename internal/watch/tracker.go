// Package watch records which users follow an auction.  Watching is
// independent of bidding and never enters the auction's exclusive section.
package watch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/market-auction/internal/bidding"
	"github.com/iliyamo/market-auction/internal/repository"
)

// Tracker toggles and sets watch markers.
type Tracker struct {
	store repository.WatchStore
}

// NewTracker returns a Tracker backed by store.
func NewTracker(store repository.WatchStore) *Tracker { return &Tracker{store: store} }

// ToggleWatch flips the user's watch marker and returns the new state.
// The flip happens inside the store, so concurrent toggles alternate.
func (t *Tracker) ToggleWatch(ctx context.Context, auctionID, userID uint64) (bool, error) {
	watching, err := t.store.ToggleWatch(ctx, auctionID, userID)
	if err != nil {
		return false, mapErr(err)
	}
	log.Debug().Uint64("auction_id", auctionID).Uint64("user_id", userID).Bool("watching", watching).Msg("watch: toggled")
	return watching, nil
}

// SetWatch makes the marker match want.  Repeating the same call changes
// nothing, so watch_count never double counts.
func (t *Tracker) SetWatch(ctx context.Context, auctionID, userID uint64, want bool) (bool, error) {
	var (
		changed bool
		err     error
	)
	if want {
		changed, err = t.store.AddWatch(ctx, auctionID, userID)
	} else {
		changed, err = t.store.RemoveWatch(ctx, auctionID, userID)
	}
	if err != nil {
		return false, mapErr(err)
	}
	if changed {
		log.Debug().Uint64("auction_id", auctionID).Uint64("user_id", userID).Bool("watching", want).Msg("watch: updated")
	}
	return want, nil
}

// IsWatching reports the current marker.
func (t *Tracker) IsWatching(ctx context.Context, auctionID, userID uint64) (bool, error) {
	ok, err := t.store.IsWatching(ctx, auctionID, userID)
	return ok, mapErr(err)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrAuctionNotFound):
		return bidding.ErrAuctionNotFound
	default:
		return fmt.Errorf("%w: %w", bidding.ErrInfrastructure, err)
	}
}
