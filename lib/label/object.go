// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// maxUUIDAttempts bounds the regeneration loop for auto-generated
// object identifiers. Random v4 collisions are vanishingly rare; the
// bound exists so a broken UUIDSource cannot spin forever.
const maxUUIDAttempts = 32

// LevelView is a level rendered as values: the token values plus the
// names of the referenced groups. Which token values — the level's own
// set or the effective union — depends on the operation that produced
// the view.
type LevelView struct {
	Tokens []string
	Groups []string
}

// ObjectSpec describes an object to compose: its security level as
// literal token values and group names, and optionally a caller-chosen
// uuid.
type ObjectSpec struct {
	// UUID is the caller-chosen identifier. Empty means the store
	// generates one.
	UUID string

	// Tokens are the level's own token values, in any order.
	Tokens []string

	// Groups are the names of registered groups to reference. Every
	// name must resolve; an unknown name fails the whole composition.
	Groups []string
}

// CreateObject attaches a new object to an existing level. An empty
// uuid asks the store to generate one, regenerating silently on
// collision; a caller-supplied uuid that is already in use reports
// [ErrUUIDConflict]. Reports [ErrNotFound] if the level does not
// exist.
func (s *Store) CreateObject(ctx context.Context, levelID LevelID, suppliedUUID string) (Object, error) {
	if levelID == 0 {
		return Object{}, fmt.Errorf("label store: create object: %w", ErrPrecondition)
	}
	var object Object
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if _, err := levelTokenSet(conn, levelID); err != nil {
			return err
		}
		var err error
		object, err = createObject(conn, levelID, suppliedUUID, s)
		return err
	})
	if err != nil {
		return Object{}, err
	}
	return object, nil
}

// ComposeObject runs the full composition pipeline in one transaction:
// intern the token values, canonicalize them into a token set, resolve
// the group names, find-or-create the level, and attach an object.
// The returned view carries the object's OWN token values (not the
// effective union) and its group names, matching what the caller just
// submitted after normalization.
func (s *Store) ComposeObject(ctx context.Context, spec ObjectSpec) (Object, LevelView, error) {
	var object Object
	var view LevelView
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		tokenIDs := make([]TokenID, len(spec.Tokens))
		for i, value := range spec.Tokens {
			id, err := internToken(conn, value)
			if err != nil {
				return err
			}
			tokenIDs[i] = id
		}

		groupIDs := make([]GroupID, len(spec.Groups))
		for i, name := range spec.Groups {
			group, err := groupByName(conn, name)
			if err != nil {
				return err
			}
			groupIDs[i] = group.ID
		}

		setID, err := getOrCreateTokenSet(conn, tokenIDs)
		if err != nil {
			return err
		}

		levelID, err := getOrCreateLevel(conn, setID, groupIDs)
		if err != nil {
			return err
		}

		object, err = createObject(conn, levelID, spec.UUID, s)
		if err != nil {
			return err
		}

		// Render the level's own set, not the effective union: the
		// creation response echoes what was submitted.
		ownSet, err := levelTokenSet(conn, levelID)
		if err != nil {
			return err
		}
		members, err := tokenSetMembers(conn, ownSet)
		if err != nil {
			return err
		}
		view.Tokens, err = tokenValues(conn, members)
		if err != nil {
			return err
		}
		view.Groups, err = levelGroupNames(conn, levelID)
		return err
	})
	if err != nil {
		return Object{}, LevelView{}, err
	}
	return object, view, nil
}

// DeleteObject removes the object row. The object's level and its
// token set are left in place; nothing is reclaimed. Reports
// [ErrNotFound] for an unknown uuid.
func (s *Store) DeleteObject(ctx context.Context, uuid string) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM security_objects WHERE uuid = ?", &sqlitex.ExecOptions{
			Args: []any{uuid},
		})
		if err != nil {
			return fmt.Errorf("label store: delete object %q: %w", uuid, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("label store: object %q: %w", uuid, ErrNotFound)
		}
		return nil
	})
}

// ObjectByUUID looks an object up by its unique identifier. Reports
// [ErrNotFound] for an unknown uuid.
func (s *Store) ObjectByUUID(ctx context.Context, uuid string) (Object, error) {
	var object Object
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		object, err = objectByUUID(conn, uuid)
		return err
	})
	if err != nil {
		return Object{}, err
	}
	return object, nil
}

// ObjectUUIDs lists object identifiers in creation order. A negative
// limit means no limit; offset skips that many identifiers.
func (s *Store) ObjectUUIDs(ctx context.Context, limit, offset int) ([]string, error) {
	uuids := []string{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return listColumn(conn, "SELECT uuid FROM security_objects ORDER BY id", limit, offset, &uuids)
	})
	if err != nil {
		return nil, err
	}
	return uuids, nil
}

// ObjectEffectiveIDs returns the object's effective token ids: the
// union of its level's own set with every referenced group's current
// set, sorted.
func (s *Store) ObjectEffectiveIDs(ctx context.Context, uuid string) ([]TokenID, error) {
	var ids []TokenID
	err := s.readSnapshot(ctx, func(conn *sqlite.Conn) error {
		object, err := objectByUUID(conn, uuid)
		if err != nil {
			return err
		}
		ids, err = effectiveIDs(conn, object.Level)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ObjectDescription renders an object's security level as values. The
// token values are the EFFECTIVE union — own set plus live group sets
// — so the description reflects group updates made after the object
// was created.
func (s *Store) ObjectDescription(ctx context.Context, uuid string) (LevelView, error) {
	var view LevelView
	err := s.readSnapshot(ctx, func(conn *sqlite.Conn) error {
		object, err := objectByUUID(conn, uuid)
		if err != nil {
			return err
		}
		ids, err := effectiveIDs(conn, object.Level)
		if err != nil {
			return err
		}
		view.Tokens, err = tokenValues(conn, ids)
		if err != nil {
			return err
		}
		view.Groups, err = levelGroupNames(conn, object.Level)
		return err
	})
	if err != nil {
		return LevelView{}, err
	}
	return view, nil
}

// createObject inserts the object row, resolving the identifier.
// Callers hold the write transaction, so the uniqueness probe and the
// insert cannot race.
func createObject(conn *sqlite.Conn, levelID LevelID, suppliedUUID string, s *Store) (Object, error) {
	now := s.clock.Now()

	id := suppliedUUID
	if id != "" {
		taken, err := uuidExists(conn, id)
		if err != nil {
			return Object{}, err
		}
		if taken {
			return Object{}, fmt.Errorf("label store: object %q: %w", id, ErrUUIDConflict)
		}
	} else {
		for attempt := 0; ; attempt++ {
			if attempt == maxUUIDAttempts {
				return Object{}, fmt.Errorf("label store: no free object uuid after %d attempts", maxUUIDAttempts)
			}
			id = s.newUUID()
			taken, err := uuidExists(conn, id)
			if err != nil {
				return Object{}, err
			}
			if !taken {
				break
			}
		}
	}

	err := sqlitex.Execute(conn,
		"INSERT INTO security_objects (uuid, level_id, created_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{id, int64(levelID), now.UnixNano()},
		})
	if err != nil {
		return Object{}, fmt.Errorf("label store: create object %q: %w", id, err)
	}

	return Object{UUID: id, Level: levelID, CreatedAt: now.UTC()}, nil
}

// objectByUUID is the connection-level unique-identifier lookup.
func objectByUUID(conn *sqlite.Conn, uuid string) (Object, error) {
	var object Object
	var found bool
	err := sqlitex.Execute(conn,
		"SELECT uuid, level_id, created_at FROM security_objects WHERE uuid = ?",
		&sqlitex.ExecOptions{
			Args: []any{uuid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				object = Object{
					UUID:      stmt.ColumnText(0),
					Level:     LevelID(stmt.ColumnInt64(1)),
					CreatedAt: unixNanoTime(stmt.ColumnInt64(2)),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Object{}, fmt.Errorf("label store: lookup object %q: %w", uuid, err)
	}
	if !found {
		return Object{}, fmt.Errorf("label store: object %q: %w", uuid, ErrNotFound)
	}
	return object, nil
}

// uuidExists probes whether an object identifier is already assigned.
func uuidExists(conn *sqlite.Conn, uuid string) (bool, error) {
	var exists bool
	err := sqlitex.Execute(conn, "SELECT 1 FROM security_objects WHERE uuid = ?", &sqlitex.ExecOptions{
		Args: []any{uuid},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("label store: check object %q: %w", uuid, err)
	}
	return exists, nil
}
