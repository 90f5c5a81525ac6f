package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rezkam/backlog/internal/domain"
)

// classify maps PostgreSQL failures onto the domain error taxonomy so
// callers can decide between retrying, warning once, and giving up.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01": // undefined_table
			return fmt.Errorf("%w: %s", domain.ErrMissingSchema, pgErr.Message)
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57P01", // admin_shutdown
			strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return domain.Transient(err)
		}
		return err
	}

	if pgconn.SafeToRetry(err) {
		return domain.Transient(err)
	}
	return err
}
