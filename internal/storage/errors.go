package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnavailable marks a failure of the durable store itself (connection
// refused, pool exhausted, server shutting down) as opposed to a failure of
// one statement. Callers treat it as a whole-batch retryable condition.
var ErrUnavailable = errors.New("durable store unavailable")

// ErrNotFound is returned by point lookups that matched no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate marks a row rejected by a unique constraint. The batch
// insert paths rarely surface it (they use ON CONFLICT DO NOTHING and
// count instead), but any statement that races a unique index without a
// conflict clause classifies to it, so callers can errors.Is for the
// condition instead of inspecting SQLSTATEs.
var ErrDuplicate = errors.New("duplicate row")

// isConnectionClass reports whether a SQLSTATE belongs to a class that
// indicates the server, not the statement, is the problem. Class 08 is
// connection exceptions, 57 operator intervention (shutdown), 53
// insufficient resources.
func isConnectionClass(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "57", "53":
		return true
	}
	return false
}

// classify wraps err with ErrUnavailable when it looks like the store is
// down, so the pipeline can map it to a retryable signal for the shipper.
// Other errors pass through with the operation prefix only.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if isConnectionClass(pgErr.Code) {
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w: %w", op, ErrDuplicate, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// uniqueViolation is the SQLSTATE for a unique-constraint violation.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Concurrent first-sight of a template surfaces this way and
// is converted to a retried lookup.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
