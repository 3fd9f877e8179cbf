package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/credits/store"
)

// wrap reports connection loss, timeouts, serialization failures and
// deadlocks as transient.
func wrap(op string, err error) error {
	return store.Wrap(op, err, isTransient)
}

func isTransient(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"): // connection exception
		return true
	case pgErr.Code == "40001", // serialization_failure
		pgErr.Code == "40P01", // deadlock_detected
		pgErr.Code == "53300", // too_many_connections
		pgErr.Code == "57P01", // admin_shutdown
		pgErr.Code == "57P03": // cannot_connect_now
		return true
	}
	return false
}

// where accumulates AND-ed predicates written with ? placeholders and
// numbers them for PostgreSQL.
type where struct {
	preds []string
	args  []any
}

func (w *where) add(pred string, arg any) {
	w.args = append(w.args, arg)
	w.preds = append(w.preds, strings.Replace(pred, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) sql() string {
	return strings.Join(w.preds, " AND ")
}

func limitClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}
