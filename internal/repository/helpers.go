package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// HandleNotFound turns sql.ErrNoRows from a single-row lookup into (nil, nil);
// a missing account or payment is an answer, not a failure.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pqCode returns the SQLSTATE of a PostgreSQL error, or "" for anything else.
func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// queryError annotates err with the repository operation that produced it.
func queryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if code := pqCode(err); code != "" {
		return fmt.Errorf("%s (sqlstate %s): %w", op, code, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
