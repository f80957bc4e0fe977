// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/market-auction/internal/model"
)

// DefaultQueue is the durable queue carrying auction notifications.
const DefaultQueue = "auction.notifications"

// NotificationEvent is published after an auction transition commits.  It
// carries everything the messaging collaborator needs to address the user
// without querying the primary database.  EventID is unique per event so
// consumers can drop redeliveries.
type NotificationEvent struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	AuctionID  uint64 `json:"auction_id"`
	UserID     uint64 `json:"user_id"`
	Amount     int64  `json:"amount"`
	OccurredAt string `json:"occurred_at"`
}

// NewNotificationEvent wraps n with a fresh event id and timestamp.
func NewNotificationEvent(n model.Notification, at time.Time) NotificationEvent {
	return NotificationEvent{
		EventID:    uuid.NewString(),
		Type:       string(n.Type),
		AuctionID:  n.AuctionID,
		UserID:     n.UserID,
		Amount:     n.Amount,
		OccurredAt: at.UTC().Format(time.RFC3339Nano),
	}
}
