package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/pharmahub/internal/plans"
)

// Counter reads the current value of a dimension from a tenant database.
type Counter interface {
	Count(ctx context.Context, db *sql.DB, d plans.Dimension, now time.Time) (int64, error)
}

// Dialect selects SQL specific to the tenant database engine.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const bytesPerMB = 1024 * 1024

// SQLCounter counts rows in the tenant's business tables. Transactions are
// counted from the first instant of the current UTC month.
type SQLCounter struct {
	dialect Dialect
	queries map[plans.Dimension]string
}

// NewSQLCounter creates a counter with the default tenant schema queries.
func NewSQLCounter(dialect Dialect) *SQLCounter {
	since := "$1"
	storage := `SELECT pg_database_size(current_database())`
	if dialect == DialectSQLite {
		since = "?"
		storage = `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`
	}
	return &SQLCounter{
		dialect: dialect,
		queries: map[plans.Dimension]string{
			plans.DimensionUsers:        `SELECT COUNT(*) FROM users WHERE active`,
			plans.DimensionProducts:     `SELECT COUNT(*) FROM products`,
			plans.DimensionTransactions: `SELECT COUNT(*) FROM sales WHERE created_at >= ` + since,
			plans.DimensionStorage:      storage,
		},
	}
}

// WithQuery overrides the query of one dimension. Queries for transactions
// take the month start as their only argument.
func (c *SQLCounter) WithQuery(d plans.Dimension, query string) *SQLCounter {
	c.queries[d] = query
	return c
}

func (c *SQLCounter) Count(ctx context.Context, db *sql.DB, d plans.Dimension, now time.Time) (int64, error) {
	query, ok := c.queries[d]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDimension, d)
	}
	var args []any
	if strings.Contains(query, "$1") || strings.Contains(query, "?") {
		args = append(args, monthStart(now))
	}

	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", d, err)
	}
	if d == plans.DimensionStorage {
		n /= bytesPerMB
	}
	return n, nil
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
