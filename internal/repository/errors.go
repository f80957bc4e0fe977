// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// bidding engine and the handlers to distinguish between different
// failure scenarios. ErrAuctionNotFound indicates an unknown auction id,
// while ErrConflict signals that a write cannot be applied in the current
// state (ledger ordering, backwards status move or lock contention) and
// may succeed when retried.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrAuctionNotFound is returned when an auction lookup yields no rows.
var ErrAuctionNotFound = errors.New("auction not found")

// ErrConflict is returned when a write would violate ledger ordering or
// status monotonicity, or when the database gave up waiting for a row
// lock. Callers holding the per-auction lock may retry.
var ErrConflict = errors.New("conflict")

// MySQL error numbers that indicate lock contention rather than a broken
// statement.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// mapLockError converts InnoDB lock wait timeouts and deadlocks into
// ErrConflict so the engine treats them as retryable contention.
func mapLockError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlLockWaitTimeout || me.Number == mysqlDeadlock) {
		return ErrConflict
	}
	return err
}
