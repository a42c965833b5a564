package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CrashRace/internal/race"

	_ "github.com/lib/pq"
)

// ErrRaceNotFound is returned by GetRace for an unknown race id. It also
// matches race.ErrUnknownRace.
var ErrRaceNotFound = fmt.Errorf("persistence: %w", race.ErrUnknownRace)

// Store is the Postgres-backed durable store for sessions and races. It
// satisfies session.Store and race.Store.
type Store struct {
	db        *sql.DB
	batchSize int
}

// NewStore wraps an open handle. batchSize bounds rows per INSERT statement.
func NewStore(db *sql.DB, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Store{db: db, batchSize: batchSize}
}

// Open configures a Postgres handle without dialing. database/sql connects
// lazily, so an unreachable server shows up in Ping and in later queries
// rather than here. Only a driver or DSN error fails Open.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Connect opens a handle and verifies the server answers. For one-shot
// tools that cannot do anything useful without the database.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
