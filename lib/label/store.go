// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cape-foundation/cape/lib/clock"
	"github.com/cape-foundation/cape/lib/sqlitepool"
)

// TokenID identifies an interned token.
type TokenID int64

// TokenSetID identifies a canonical token set.
type TokenSetID int64

// GroupID identifies a security group.
type GroupID int64

// LevelID identifies a security level.
type LevelID int64

// Group is a stored security group row.
type Group struct {
	ID        GroupID
	Name      string
	TokenSet  TokenSetID
	CreatedAt time.Time
}

// Object is a stored security object row.
type Object struct {
	UUID      string
	Level     LevelID
	CreatedAt time.Time
}

// Store is the label engine backed by a SQLite connection pool. All
// methods are safe for concurrent use; every mutating method runs in
// its own IMMEDIATE transaction.
type Store struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	logger  *slog.Logger
	newUUID func() string
}

// StoreConfig holds the parameters for opening a label store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides the current time for record timestamps and
	// snapshot metadata. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// UUIDSource generates object identifiers when the caller does
	// not supply one. Defaults to uuid.NewString. Tests override it
	// to force identifier collisions deterministically.
	UUIDSource func() string
}

// schema is the complete relational model of the engine. Uniqueness
// constraints back the interning contracts: token values, group
// names, and object uuids are globally unique. The signature columns
// hold precomputed canonical keys (see [Signature]); token_sets'
// signature is indexed but NOT unique because in-place updates can
// legitimately leave two owned sets with identical membership, while
// security_levels' signature is unique (levels are only ever created
// through find-or-create and never re-signed). A level with no groups
// stores a NULL signature: its group-set never participates in
// deduplication, so each no-group level is its own identity.
//
// Every id column is AUTOINCREMENT: without it SQLite reuses the
// highest rowid after a delete, and a recreated group or set would
// inherit a dead entity's id — silently re-animating dangling
// level→group links that must stay dangling.
const schema = `
	CREATE TABLE IF NOT EXISTS tokens (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		value TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS token_sets (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		signature BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_sets_signature
		ON token_sets(signature);

	CREATE TABLE IF NOT EXISTS token_set_members (
		token_set_id INTEGER NOT NULL,
		token_id     INTEGER NOT NULL,
		PRIMARY KEY (token_set_id, token_id)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS security_groups (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		name         TEXT NOT NULL UNIQUE,
		token_set_id INTEGER NOT NULL,
		created_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS security_levels (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		token_set_id INTEGER NOT NULL,
		signature    BLOB UNIQUE
	);

	CREATE TABLE IF NOT EXISTS level_groups (
		level_id INTEGER NOT NULL,
		group_id INTEGER NOT NULL,
		PRIMARY KEY (level_id, group_id)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS security_objects (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid       TEXT NOT NULL UNIQUE,
		level_id   INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_objects_level
		ON security_objects(level_id);
`

// Open creates a label store backed by SQLite. The database file is
// created if it does not exist; the schema is applied idempotently on
// every connection.
func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("label store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("label store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	newUUID := cfg.UUIDSource
	if newUUID == nil {
		newUUID = uuid.NewString
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("label store: %w", err)
	}

	return &Store{
		pool:    pool,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		newUUID: newUUID,
	}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// unixNanoTime converts a stored created_at column back to time.
func unixNanoTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// write borrows a connection, opens an IMMEDIATE transaction, and
// runs fn inside it. The transaction commits when fn returns nil and
// rolls back otherwise. IMMEDIATE acquires the write lock up front,
// so every find-or-create sequence is serialized against concurrent
// writers for its whole lookup-then-insert span.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, takeErr := s.pool.Take(ctx)
	if takeErr != nil {
		return fmt.Errorf("label store: %w", takeErr)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("label store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = fn(conn)
	return err
}

// read borrows a connection and runs fn on it without a transaction.
// WAL mode gives each statement a consistent snapshot; multi-
// statement readers that need a single snapshot open their own
// deferred transaction.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("label store: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// readSnapshot borrows a connection and runs fn inside a deferred
// read transaction, so every statement in fn observes one consistent
// snapshot of the database.
func (s *Store) readSnapshot(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, takeErr := s.pool.Take(ctx)
	if takeErr != nil {
		return fmt.Errorf("label store: %w", takeErr)
	}
	defer s.pool.Put(conn)

	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)

	err = fn(conn)
	return err
}

// Stats summarizes row counts per relation, for the health endpoint
// and operational logging.
type Stats struct {
	Tokens    int64 `json:"tokens"`
	TokenSets int64 `json:"token_sets"`
	Groups    int64 `json:"groups"`
	Levels    int64 `json:"levels"`
	Objects   int64 `json:"objects"`
}

// Stats returns current row counts for all primary relations.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.readSnapshot(ctx, func(conn *sqlite.Conn) error {
		counts := []struct {
			table string
			out   *int64
		}{
			{"tokens", &stats.Tokens},
			{"token_sets", &stats.TokenSets},
			{"security_groups", &stats.Groups},
			{"security_levels", &stats.Levels},
			{"security_objects", &stats.Objects},
		}
		for _, count := range counts {
			query := "SELECT COUNT(*) FROM " + count.table
			err := sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					*count.out = stmt.ColumnInt64(0)
					return nil
				},
			})
			if err != nil {
				return fmt.Errorf("label store: count %s: %w", count.table, err)
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}
