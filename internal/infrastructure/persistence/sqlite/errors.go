package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rezkam/backlog/internal/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// classify maps SQLite failures onto the domain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return domain.Transient(err)
		}
	}

	// The driver reports a missing table as a plain-text prepare error.
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %s", domain.ErrMissingSchema, err)
	}
	return err
}
