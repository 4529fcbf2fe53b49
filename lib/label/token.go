// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// InternToken resolves a token value to its stable id, creating the
// token on first occurrence. Idempotent: repeated calls with the same
// value return the same id with no side effects. Tokens are never
// deleted by the engine.
func (s *Store) InternToken(ctx context.Context, value string) (TokenID, error) {
	var id TokenID
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var err error
		id, err = internToken(conn, value)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InternTokens interns a batch of values in one transaction and
// returns the ids in input order. Duplicated input values map to the
// same id.
func (s *Store) InternTokens(ctx context.Context, values []string) ([]TokenID, error) {
	ids := make([]TokenID, len(values))
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for i, value := range values {
			id, err := internToken(conn, value)
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// internToken is the connection-level interning step. Callers hold
// the write transaction, so the lookup and the conditional insert
// cannot race.
func internToken(conn *sqlite.Conn, value string) (TokenID, error) {
	var id TokenID
	var found bool
	err := sqlitex.Execute(conn, "SELECT id FROM tokens WHERE value = ?", &sqlitex.ExecOptions{
		Args: []any{value},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = TokenID(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("label store: lookup token %q: %w", value, err)
	}
	if found {
		return id, nil
	}

	err = sqlitex.Execute(conn, "INSERT INTO tokens (value) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{value},
	})
	if err != nil {
		return 0, fmt.Errorf("label store: intern token %q: %w", value, err)
	}
	return TokenID(conn.LastInsertRowID()), nil
}

// tokenValues resolves a batch of token ids to their values, sorted
// ascending by value. Ids with no token row are skipped (a dangling
// reference yields nothing rather than an error).
func tokenValues(conn *sqlite.Conn, ids []TokenID) ([]string, error) {
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		err := sqlitex.Execute(conn, "SELECT value FROM tokens WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				values = append(values, stmt.ColumnText(0))
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("label store: token value %d: %w", id, err)
		}
	}
	slices.Sort(values)
	return values, nil
}
