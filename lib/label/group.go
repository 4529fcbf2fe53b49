// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateOrUpdateGroup converges the named group's membership to ids.
// If no group with the name exists, a fresh token set is created and
// linked; otherwise the existing set is mutated in place, so its id —
// and the id of the group — are stable across updates. Because the
// set is shared by reference, every level transitively referencing
// this group reflects the new membership without being touched.
func (s *Store) CreateOrUpdateGroup(ctx context.Context, name string, ids []TokenID) (GroupID, error) {
	var groupID GroupID
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var err error
		groupID, err = createOrUpdateGroup(conn, name, ids, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	return groupID, nil
}

// PutGroup interns the token values and converges the named group to
// them, all in one transaction. Returns the group's current token
// values, sorted. This is the storage half of the group-creation
// endpoint.
func (s *Store) PutGroup(ctx context.Context, name string, tokens []string) (Group, []string, error) {
	var group Group
	var values []string
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		ids := make([]TokenID, len(tokens))
		for i, value := range tokens {
			id, err := internToken(conn, value)
			if err != nil {
				return err
			}
			ids[i] = id
		}

		if _, err := createOrUpdateGroup(conn, name, ids, s.clock.Now()); err != nil {
			return err
		}

		row, err := groupByName(conn, name)
		if err != nil {
			return err
		}
		group = row

		members, err := tokenSetMembers(conn, group.TokenSet)
		if err != nil {
			return err
		}
		values, err = tokenValues(conn, members)
		return err
	})
	if err != nil {
		return Group{}, nil, err
	}
	return group, values, nil
}

// DeleteGroup deletes the group's owned token set, then the group
// row. Level→group links referencing the deleted group are left
// dangling; effective-set computation treats them as empty. Reports
// [ErrNotFound] for an unknown id.
func (s *Store) DeleteGroup(ctx context.Context, groupID GroupID) error {
	if groupID == 0 {
		return fmt.Errorf("label store: delete group: %w", ErrPrecondition)
	}
	return s.write(ctx, func(conn *sqlite.Conn) error {
		var setID TokenSetID
		var found bool
		err := sqlitex.Execute(conn, "SELECT token_set_id FROM security_groups WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{int64(groupID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				setID = TokenSetID(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("label store: lookup group %d: %w", groupID, err)
		}
		if !found {
			return fmt.Errorf("label store: group %d: %w", groupID, ErrNotFound)
		}

		if err := deleteTokenSet(conn, setID); err != nil {
			return err
		}

		err = sqlitex.Execute(conn, "DELETE FROM security_groups WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{int64(groupID)},
		})
		if err != nil {
			return fmt.Errorf("label store: delete group %d: %w", groupID, err)
		}
		return nil
	})
}

// GroupByName looks a group up by its unique name. Reports
// [ErrNotFound] for an unknown name.
func (s *Store) GroupByName(ctx context.Context, name string) (Group, error) {
	var group Group
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		group, err = groupByName(conn, name)
		return err
	})
	if err != nil {
		return Group{}, err
	}
	return group, nil
}

// GroupNames lists registered group names in creation order. A
// negative limit means no limit; offset skips that many names.
func (s *Store) GroupNames(ctx context.Context, limit, offset int) ([]string, error) {
	names := []string{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return listColumn(conn, "SELECT name FROM security_groups ORDER BY id", limit, offset, &names)
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// GroupTokenIDs returns the sorted token ids assigned to the named
// group. This uniquely identifies the group's security level.
func (s *Store) GroupTokenIDs(ctx context.Context, name string) ([]TokenID, error) {
	var ids []TokenID
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		group, err := groupByName(conn, name)
		if err != nil {
			return err
		}
		ids, err = tokenSetMembers(conn, group.TokenSet)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GroupTokenValues returns the sorted token values assigned to the
// named group.
func (s *Store) GroupTokenValues(ctx context.Context, name string) ([]string, error) {
	var values []string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		group, err := groupByName(conn, name)
		if err != nil {
			return err
		}
		members, err := tokenSetMembers(conn, group.TokenSet)
		if err != nil {
			return err
		}
		values, err = tokenValues(conn, members)
		return err
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// createOrUpdateGroup is the connection-level find-or-create-then-
// converge. Callers hold the write transaction.
func createOrUpdateGroup(conn *sqlite.Conn, name string, ids []TokenID, now time.Time) (GroupID, error) {
	group, err := groupByName(conn, name)
	switch {
	case err == nil:
		// Existing group: converge its owned set in place.
		if err := updateTokenSet(conn, group.TokenSet, ids); err != nil {
			return 0, err
		}
		return group.ID, nil

	case isNotFound(err):
		// New group: a fresh owned set, never canonicalized against
		// existing sets — the group must own its membership so later
		// updates cannot disturb anyone else's set.
		setID, err := createTokenSet(conn, ids)
		if err != nil {
			return 0, err
		}

		err = sqlitex.Execute(conn,
			"INSERT INTO security_groups (name, token_set_id, created_at) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{name, int64(setID), now.UnixNano()},
			})
		if err != nil {
			return 0, fmt.Errorf("label store: create group %q: %w", name, err)
		}
		return GroupID(conn.LastInsertRowID()), nil

	default:
		return 0, err
	}
}

// groupByName is the connection-level unique-name lookup.
func groupByName(conn *sqlite.Conn, name string) (Group, error) {
	var group Group
	var found bool
	err := sqlitex.Execute(conn,
		"SELECT id, name, token_set_id, created_at FROM security_groups WHERE name = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				group = Group{
					ID:        GroupID(stmt.ColumnInt64(0)),
					Name:      stmt.ColumnText(1),
					TokenSet:  TokenSetID(stmt.ColumnInt64(2)),
					CreatedAt: unixNanoTime(stmt.ColumnInt64(3)),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Group{}, fmt.Errorf("label store: lookup group %q: %w", name, err)
	}
	if !found {
		return Group{}, fmt.Errorf("label store: group %q: %w", name, ErrNotFound)
	}
	return group, nil
}

// listColumn appends the first column of every result row to out,
// applying the shared limit/offset convention: limit < 0 means
// unlimited, offset 0 means from the start.
func listColumn(conn *sqlite.Conn, query string, limit, offset int, out *[]string) error {
	if limit < 0 {
		limit = -1 // SQLite convention: LIMIT -1 is unlimited.
	}
	query += " LIMIT ? OFFSET ?"
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{limit, offset},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			*out = append(*out, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("label store: list: %w", err)
	}
	return nil
}
