package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	// Connection-class SQLSTATEs mean the store, not the statement.
	err := classify("insert", &pgconn.PgError{Code: "08006"})
	assert.ErrorIs(t, err, ErrUnavailable)

	err = classify("insert", &pgconn.PgError{Code: "57P01"})
	assert.ErrorIs(t, err, ErrUnavailable)

	// Unique violations get the duplicate sentinel.
	err = classify("assign", &pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NotErrorIs(t, err, ErrUnavailable)

	// Other statement errors pass through with the operation prefix only.
	err = classify("query", &pgconn.PgError{Code: "42703", Message: "bad column"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "query")

	// Timeouts are a store-down signal for the shipper's retry loop.
	err = classify("ping", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnavailable)

	// The original error stays reachable through the wrap chain.
	pgErr := &pgconn.PgError{Code: "23505"}
	var got *pgconn.PgError
	assert.True(t, errors.As(classify("assign", pgErr), &got))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "08006"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
	assert.False(t, isUniqueViolation(nil))
}
