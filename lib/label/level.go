// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// GetOrCreateLevel resolves a (token set, group set) pair to a level
// id. Deduplication keys on the group-set signature alone: two levels
// referencing the same groups are the same level even when their own
// token sets differ, and the first creation pins which token set the
// level carries. A level with no groups is never deduplicated — each
// call creates a fresh level — because an empty group-set carries no
// identity to match on.
func (s *Store) GetOrCreateLevel(ctx context.Context, setID TokenSetID, groupIDs []GroupID) (LevelID, error) {
	var levelID LevelID
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var err error
		levelID, err = getOrCreateLevel(conn, setID, groupIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return levelID, nil
}

// DeleteLevel deletes the level's owned token set, its group links,
// and the level row. Objects still referencing the level are left
// dangling. Reports [ErrNotFound] for an unknown id.
func (s *Store) DeleteLevel(ctx context.Context, levelID LevelID) error {
	if levelID == 0 {
		return fmt.Errorf("label store: delete level: %w", ErrPrecondition)
	}
	return s.write(ctx, func(conn *sqlite.Conn) error {
		setID, err := levelTokenSet(conn, levelID)
		if err != nil {
			return err
		}

		if err := deleteTokenSet(conn, setID); err != nil {
			return err
		}

		err = sqlitex.Execute(conn, "DELETE FROM level_groups WHERE level_id = ?", &sqlitex.ExecOptions{
			Args: []any{int64(levelID)},
		})
		if err != nil {
			return fmt.Errorf("label store: unlink groups of level %d: %w", levelID, err)
		}

		err = sqlitex.Execute(conn, "DELETE FROM security_levels WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{int64(levelID)},
		})
		if err != nil {
			return fmt.Errorf("label store: delete level %d: %w", levelID, err)
		}
		return nil
	})
}

// LevelTokenSet returns the level's own token set id.
func (s *Store) LevelTokenSet(ctx context.Context, levelID LevelID) (TokenSetID, error) {
	var setID TokenSetID
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		setID, err = levelTokenSet(conn, levelID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return setID, nil
}

// LevelGroupIDs returns the sorted ids of the groups the level
// references, including ids whose group has since been deleted.
func (s *Store) LevelGroupIDs(ctx context.Context, levelID LevelID) ([]GroupID, error) {
	var ids []GroupID
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		if _, err := levelTokenSet(conn, levelID); err != nil {
			return err
		}
		var err error
		ids, err = levelGroupIDs(conn, levelID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// EffectiveIDs computes the level's effective token ids: the union of
// its own set with the current set of every referenced group, sorted.
// Group membership is read live, so a group update is immediately
// visible in every level referencing it. Links to deleted groups
// contribute nothing.
func (s *Store) EffectiveIDs(ctx context.Context, levelID LevelID) ([]TokenID, error) {
	var ids []TokenID
	err := s.readSnapshot(ctx, func(conn *sqlite.Conn) error {
		if _, err := levelTokenSet(conn, levelID); err != nil {
			return err
		}
		var err error
		ids, err = effectiveIDs(conn, levelID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// EffectiveValues computes the level's effective token values, sorted
// ascending by value.
func (s *Store) EffectiveValues(ctx context.Context, levelID LevelID) ([]string, error) {
	var values []string
	err := s.readSnapshot(ctx, func(conn *sqlite.Conn) error {
		if _, err := levelTokenSet(conn, levelID); err != nil {
			return err
		}
		ids, err := effectiveIDs(conn, levelID)
		if err != nil {
			return err
		}
		values, err = tokenValues(conn, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// getOrCreateLevel is the connection-level find-or-create. Callers
// hold the write transaction.
func getOrCreateLevel(conn *sqlite.Conn, setID TokenSetID, groupIDs []GroupID) (LevelID, error) {
	normalized := normalizeGroupIDs(groupIDs)

	if len(normalized) > 0 {
		signature := levelGroupsSignature(normalized)
		var levelID LevelID
		var found bool
		err := sqlitex.Execute(conn,
			"SELECT id FROM security_levels WHERE signature = ?",
			&sqlitex.ExecOptions{
				Args: []any{signature[:]},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					levelID = LevelID(stmt.ColumnInt64(0))
					found = true
					return nil
				},
			})
		if err != nil {
			return 0, fmt.Errorf("label store: lookup level: %w", err)
		}
		if found {
			return levelID, nil
		}
	}

	// New level. A no-group level stores a NULL signature so it never
	// matches a future lookup.
	var signatureArg any
	if len(normalized) > 0 {
		signature := levelGroupsSignature(normalized)
		signatureArg = signature[:]
	}
	err := sqlitex.Execute(conn,
		"INSERT INTO security_levels (token_set_id, signature) VALUES (?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{int64(setID), signatureArg},
		})
	if err != nil {
		return 0, fmt.Errorf("label store: create level: %w", err)
	}
	levelID := LevelID(conn.LastInsertRowID())

	for _, groupID := range normalized {
		err := sqlitex.Execute(conn,
			"INSERT INTO level_groups (level_id, group_id) VALUES (?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{int64(levelID), int64(groupID)},
			})
		if err != nil {
			return 0, fmt.Errorf("label store: link group %d to level %d: %w", groupID, levelID, err)
		}
	}

	return levelID, nil
}

// levelTokenSet returns the level's own token set id, or ErrNotFound
// for an unknown level.
func levelTokenSet(conn *sqlite.Conn, levelID LevelID) (TokenSetID, error) {
	var setID TokenSetID
	var found bool
	err := sqlitex.Execute(conn, "SELECT token_set_id FROM security_levels WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(levelID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			setID = TokenSetID(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("label store: lookup level %d: %w", levelID, err)
	}
	if !found {
		return 0, fmt.Errorf("label store: level %d: %w", levelID, ErrNotFound)
	}
	return setID, nil
}

// levelGroupIDs returns the level's referenced group ids, sorted.
func levelGroupIDs(conn *sqlite.Conn, levelID LevelID) ([]GroupID, error) {
	var ids []GroupID
	err := sqlitex.Execute(conn,
		"SELECT group_id FROM level_groups WHERE level_id = ? ORDER BY group_id",
		&sqlitex.ExecOptions{
			Args: []any{int64(levelID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, GroupID(stmt.ColumnInt64(0)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("label store: groups of level %d: %w", levelID, err)
	}
	return ids, nil
}

// levelGroupNames returns the names of the level's still-live
// referenced groups, in group-id order. Dangling links are skipped.
func levelGroupNames(conn *sqlite.Conn, levelID LevelID) ([]string, error) {
	names := []string{}
	err := sqlitex.Execute(conn,
		`SELECT g.name
		   FROM level_groups AS lg
		   JOIN security_groups AS g ON g.id = lg.group_id
		  WHERE lg.level_id = ?
		  ORDER BY lg.group_id`,
		&sqlitex.ExecOptions{
			Args: []any{int64(levelID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names = append(names, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("label store: group names of level %d: %w", levelID, err)
	}
	return names, nil
}

// effectiveIDs computes the union of the level's own set with every
// referenced group's current set, in one query. Dangling group links
// and deleted token sets simply contribute no rows.
func effectiveIDs(conn *sqlite.Conn, levelID LevelID) ([]TokenID, error) {
	var ids []TokenID
	err := sqlitex.Execute(conn,
		`SELECT DISTINCT m.token_id
		   FROM token_set_members AS m
		  WHERE m.token_set_id IN (
		        SELECT token_set_id FROM security_levels WHERE id = ?
		        UNION
		        SELECT g.token_set_id
		          FROM level_groups AS lg
		          JOIN security_groups AS g ON g.id = lg.group_id
		         WHERE lg.level_id = ?)
		  ORDER BY m.token_id`,
		&sqlitex.ExecOptions{
			Args: []any{int64(levelID), int64(levelID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, TokenID(stmt.ColumnInt64(0)))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("label store: effective ids of level %d: %w", levelID, err)
	}
	return ids, nil
}
