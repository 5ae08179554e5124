package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// PostgresOpener opens tenant databases on a PostgreSQL server.
func PostgresOpener(host string, port int, sslmode string) Opener {
	return func(ctx context.Context, creds Credentials) (*sql.DB, error) {
		dsn := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(creds.User, creds.Password),
			Host:     net.JoinHostPort(host, strconv.Itoa(port)),
			Path:     "/" + creds.Database,
			RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
		}
		db, err := sql.Open("postgres", dsn.String())
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping tenant database %s: %w", creds.Database, err)
		}
		return db, nil
	}
}

// SQLiteOpener keeps one database file per tenant under dir. Intended for
// development and tests; credentials other than the database name are ignored.
func SQLiteOpener(dir string) Opener {
	return func(ctx context.Context, creds Credentials) (*sql.DB, error) {
		if creds.Database == "" || strings.ContainsAny(creds.Database, `/\`) || strings.Contains(creds.Database, "..") {
			return nil, fmt.Errorf("invalid tenant database name %q", creds.Database)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, creds.Database+".db")
		db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open tenant database %s: %w", creds.Database, err)
		}
		return db, nil
	}
}
