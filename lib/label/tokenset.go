// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// GetOrCreateTokenSet resolves a membership to its canonical token
// set, creating the set on first occurrence. The ids may be presented
// in any order and contain duplicates; sets are deduplicated by the
// signature of their sorted membership, so two calls with the same
// membership return the same id.
//
// The lookup scans every stored set, including sets owned by groups
// and levels. When several structurally equal sets exist (possible
// after in-place updates converge two owned sets), the oldest row
// wins, deterministically.
func (s *Store) GetOrCreateTokenSet(ctx context.Context, ids []TokenID) (TokenSetID, error) {
	var setID TokenSetID
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var err error
		setID, err = getOrCreateTokenSet(conn, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	return setID, nil
}

// UpdateTokenSet mutates an existing set's membership in place. Links
// for tokens no longer present are removed, links for new tokens are
// added, and the stored signature is recomputed; the set's identity
// is unchanged, so every group and level referencing it observes the
// new membership immediately.
//
// Updating never re-deduplicates: a set updated to match another
// set's membership is not merged with it.
func (s *Store) UpdateTokenSet(ctx context.Context, setID TokenSetID, ids []TokenID) error {
	if setID == 0 {
		return fmt.Errorf("label store: update token set: %w", ErrPrecondition)
	}
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return updateTokenSet(conn, setID, ids)
	})
}

// DeleteTokenSet removes a set's membership links and then the set
// row. The set must exist; deleting an unknown id reports
// [ErrNotFound].
func (s *Store) DeleteTokenSet(ctx context.Context, setID TokenSetID) error {
	if setID == 0 {
		return fmt.Errorf("label store: delete token set: %w", ErrPrecondition)
	}
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return deleteTokenSet(conn, setID)
	})
}

// TokenSetIDs returns the sorted member ids of a set. A set with no
// members yields an empty slice; an unknown set reports
// [ErrNotFound].
func (s *Store) TokenSetIDs(ctx context.Context, setID TokenSetID) ([]TokenID, error) {
	var ids []TokenID
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		if err := requireTokenSet(conn, setID); err != nil {
			return err
		}
		var err error
		ids, err = tokenSetMembers(conn, setID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// getOrCreateTokenSet is the connection-level find-or-create. Callers
// hold the write transaction.
func getOrCreateTokenSet(conn *sqlite.Conn, ids []TokenID) (TokenSetID, error) {
	signature := tokenSetSignature(ids)

	var setID TokenSetID
	var found bool
	err := sqlitex.Execute(conn,
		"SELECT id FROM token_sets WHERE signature = ? ORDER BY id LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{signature[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				setID = TokenSetID(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("label store: lookup token set: %w", err)
	}
	if found {
		return setID, nil
	}

	return createTokenSet(conn, ids)
}

// createTokenSet inserts a new set row with its precomputed signature
// and populates the membership links. No deduplication is attempted —
// callers that want canonicalization go through getOrCreateTokenSet.
func createTokenSet(conn *sqlite.Conn, ids []TokenID) (TokenSetID, error) {
	signature := tokenSetSignature(ids)

	err := sqlitex.Execute(conn, "INSERT INTO token_sets (signature) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{signature[:]},
	})
	if err != nil {
		return 0, fmt.Errorf("label store: create token set: %w", err)
	}
	setID := TokenSetID(conn.LastInsertRowID())

	for _, tokenID := range normalizeTokenIDs(ids) {
		err := sqlitex.Execute(conn,
			"INSERT INTO token_set_members (token_set_id, token_id) VALUES (?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{int64(setID), int64(tokenID)},
			})
		if err != nil {
			return 0, fmt.Errorf("label store: link token %d to set %d: %w", tokenID, setID, err)
		}
	}

	return setID, nil
}

// updateTokenSet converges an existing set's membership to ids.
// Callers hold the write transaction.
func updateTokenSet(conn *sqlite.Conn, setID TokenSetID, ids []TokenID) error {
	if err := requireTokenSet(conn, setID); err != nil {
		return err
	}

	current, err := tokenSetMembers(conn, setID)
	if err != nil {
		return err
	}

	desired := normalizeTokenIDs(ids)
	desiredSet := make(map[TokenID]bool, len(desired))
	for _, id := range desired {
		desiredSet[id] = true
	}
	currentSet := make(map[TokenID]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	// Drop links for tokens no longer present.
	for _, id := range current {
		if desiredSet[id] {
			continue
		}
		err := sqlitex.Execute(conn,
			"DELETE FROM token_set_members WHERE token_set_id = ? AND token_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{int64(setID), int64(id)},
			})
		if err != nil {
			return fmt.Errorf("label store: unlink token %d from set %d: %w", id, setID, err)
		}
	}

	// Add links for new tokens.
	for _, id := range desired {
		if currentSet[id] {
			continue
		}
		err := sqlitex.Execute(conn,
			"INSERT INTO token_set_members (token_set_id, token_id) VALUES (?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{int64(setID), int64(id)},
			})
		if err != nil {
			return fmt.Errorf("label store: link token %d to set %d: %w", id, setID, err)
		}
	}

	// Keep the stored canonical key in step with the new membership
	// so future find-or-create lookups can match this set.
	signature := tokenSetSignature(desired)
	err = sqlitex.Execute(conn, "UPDATE token_sets SET signature = ? WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{signature[:], int64(setID)},
	})
	if err != nil {
		return fmt.Errorf("label store: re-sign set %d: %w", setID, err)
	}

	return nil
}

// deleteTokenSet removes the membership links and the set row.
// Callers hold the write transaction.
func deleteTokenSet(conn *sqlite.Conn, setID TokenSetID) error {
	err := sqlitex.Execute(conn, "DELETE FROM token_set_members WHERE token_set_id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(setID)},
	})
	if err != nil {
		return fmt.Errorf("label store: delete members of set %d: %w", setID, err)
	}

	err = sqlitex.Execute(conn, "DELETE FROM token_sets WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(setID)},
	})
	if err != nil {
		return fmt.Errorf("label store: delete set %d: %w", setID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("label store: token set %d: %w", setID, ErrNotFound)
	}
	return nil
}

// tokenSetMembers returns the sorted member ids of a set. Does not
// verify the set row exists — an unknown id yields an empty slice.
func tokenSetMembers(conn *sqlite.Conn, setID TokenSetID) ([]TokenID, error) {
	var ids []TokenID
	err := sqlitex.Execute(conn,
		"SELECT token_id FROM token_set_members WHERE token_set_id = ? ORDER BY token_id",
		&sqlitex.ExecOptions{
			Args: []any{int64(setID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, TokenID(stmt.ColumnInt64(0)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("label store: members of set %d: %w", setID, err)
	}
	return ids, nil
}

// requireTokenSet reports ErrNotFound unless the set row exists.
func requireTokenSet(conn *sqlite.Conn, setID TokenSetID) error {
	var exists bool
	err := sqlitex.Execute(conn, "SELECT 1 FROM token_sets WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(setID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("label store: check set %d: %w", setID, err)
	}
	if !exists {
		return fmt.Errorf("label store: token set %d: %w", setID, ErrNotFound)
	}
	return nil
}
