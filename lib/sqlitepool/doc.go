// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Cape-standard SQLite connection pool.
//
// The label store keeps all of its relations in a single SQLite
// database. This package wraps zombiezen.com/go/sqlite with the
// defaults every Cape component uses: WAL journal mode, NORMAL
// synchronous, memory-mapped reads, and a busy timeout so concurrent
// writers queue instead of failing with SQLITE_BUSY.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging for concurrent readers and
//     a single writer. Reads never block writes; writes never block
//     reads. The single-writer property is load-bearing for the label
//     store: find-or-create operations run inside IMMEDIATE
//     transactions and are serialized by the WAL writer lock, so the
//     lookup and the conditional insert cannot interleave across
//     callers.
//   - synchronous=NORMAL: transactions survive process crashes. A
//     power failure can lose the most recent commits but never
//     corrupts the database.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock
//     instead of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the label store manages referential integrity
//     explicitly. Deleting a group intentionally leaves dangling
//     level→group links behind; FK enforcement would reject that
//     contract.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=134217728: 128 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/cape/policy/labels.db",
//	    PoolSize: 4,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. Components write
// SQL, use sqlitex.Execute for cached statements, and manage
// transactions with sqlitex.ImmediateTransaction.
package sqlitepool
