// Package pg opens the PostgreSQL handle shared by the user store and the
// revocation ledger.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config selects the database and pool size.
type Config struct {
	URL      string
	MaxConns int
	// Driver defaults to the pgx stdlib driver.
	Driver string
}

// Open connects and pings the database. The pool keeps half of MaxConns
// idle.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("pg: database url is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "pgx"
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/2))
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}
