package bidding

import "errors"

// Kind classifies engine errors by how callers should react.
type Kind int

const (
	KindUnknown        Kind = iota
	KindValidation          // malformed input, fix and resubmit
	KindNotFound            // unknown auction
	KindState               // auction no longer accepts bids
	KindBusinessRule        // valid input rejected by auction rules
	KindPermission          // caller may not perform the operation
	KindConcurrency         // lock contention, safe to retry
	KindInfrastructure      // persistence unavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindBusinessRule:
		return "business_rule"
	case KindPermission:
		return "permission"
	case KindConcurrency:
		return "concurrency"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Error is an engine error with a stable machine-readable code and a
// user-facing message.  Sentinels below are compared with errors.Is;
// details are attached by wrapping them with %w.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidAmount    = newError(KindValidation, "invalid_amount", "bid amount must be a positive whole number")
	ErrAuctionNotFound  = newError(KindNotFound, "not_found", "auction not found")
	ErrNotActive        = newError(KindState, "not_active", "auction is no longer accepting bids")
	ErrExpired          = newError(KindState, "expired", "auction deadline has passed")
	ErrBidTooLow        = newError(KindBusinessRule, "bid_too_low", "bid is below the minimum")
	ErrStalePrice       = newError(KindBusinessRule, "stale_price", "bid does not match the current price")
	ErrSellerBid        = newError(KindBusinessRule, "seller_bid", "sellers cannot bid on their own auction")
	ErrAlreadyWinning   = newError(KindBusinessRule, "already_winning", "you already hold the winning bid")
	ErrCancelNotAllowed = newError(KindBusinessRule, "cancel_not_allowed", "auction can no longer be cancelled")
	ErrForbidden        = newError(KindPermission, "forbidden", "only the seller or an admin may do this")
	ErrConflict         = newError(KindConcurrency, "conflict", "auction is busy, please retry")
	ErrInfrastructure   = newError(KindInfrastructure, "unavailable", "bidding is temporarily unavailable")
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or
// "internal" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool { return KindOf(err) == KindConcurrency }

// Bare strips the detail wrapped around an engine error and returns the
// sentinel itself.  Foreign errors come back unchanged.
func Bare(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return err
}
