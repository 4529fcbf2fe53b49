// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cape-foundation/cape/lib/codec"
)

// snapshotVersion is the snapshot wire format version. Bumped when
// the relational model changes in a way old importers cannot read.
const snapshotVersion = 1

// snapshotFile is the complete dump of the store: every relation, with
// row ids verbatim so internal references survive the round trip.
// Encoded with deterministic CBOR and compressed with zstd.
type snapshotFile struct {
	Version   int              `cbor:"version"`
	CreatedAt int64            `cbor:"created_at"`
	Tokens    []snapshotToken  `cbor:"tokens"`
	TokenSets []snapshotSet    `cbor:"token_sets"`
	Groups    []snapshotGroup  `cbor:"groups"`
	Levels    []snapshotLevel  `cbor:"levels"`
	Objects   []snapshotObject `cbor:"objects"`
}

type snapshotToken struct {
	ID    int64  `cbor:"id"`
	Value string `cbor:"value"`
}

type snapshotSet struct {
	ID        int64   `cbor:"id"`
	Signature []byte  `cbor:"signature"`
	Members   []int64 `cbor:"members"`
}

type snapshotGroup struct {
	ID        int64  `cbor:"id"`
	Name      string `cbor:"name"`
	TokenSet  int64  `cbor:"token_set"`
	CreatedAt int64  `cbor:"created_at"`
}

type snapshotLevel struct {
	ID        int64   `cbor:"id"`
	TokenSet  int64   `cbor:"token_set"`
	Signature []byte  `cbor:"signature,omitempty"`
	Groups    []int64 `cbor:"groups"`
}

type snapshotObject struct {
	UUID      string `cbor:"uuid"`
	Level     int64  `cbor:"level"`
	CreatedAt int64  `cbor:"created_at"`
}

// ExportSnapshot writes a complete dump of the store to w. The export
// reads every relation inside one deferred transaction, so the dump is
// a consistent point-in-time snapshot even while writers are active.
func (s *Store) ExportSnapshot(ctx context.Context, w io.Writer) error {
	file := snapshotFile{
		Version:   snapshotVersion,
		CreatedAt: s.clock.Now().UnixNano(),
	}

	err := s.readSnapshot(ctx, func(conn *sqlite.Conn) error {
		return collectSnapshot(conn, &file)
	})
	if err != nil {
		return err
	}

	encoded, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("label store: encode snapshot: %w", err)
	}

	compressor, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("label store: snapshot compressor: %w", err)
	}
	if _, err := compressor.Write(encoded); err != nil {
		compressor.Close()
		return fmt.Errorf("label store: write snapshot: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("label store: finish snapshot: %w", err)
	}

	s.logger.Info("snapshot exported",
		"tokens", len(file.Tokens),
		"token_sets", len(file.TokenSets),
		"groups", len(file.Groups),
		"levels", len(file.Levels),
		"objects", len(file.Objects))
	return nil
}

// ImportSnapshot restores a dump produced by ExportSnapshot. The store
// must be empty; ids are restored verbatim so every internal reference
// — group→set, level→set, level→group, object→level — survives
// unchanged. Reports [ErrPrecondition] if the store holds any rows.
func (s *Store) ImportSnapshot(ctx context.Context, r io.Reader) error {
	decompressor, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("label store: snapshot decompressor: %w", err)
	}
	defer decompressor.Close()

	encoded, err := io.ReadAll(decompressor)
	if err != nil {
		return fmt.Errorf("label store: read snapshot: %w", err)
	}

	var file snapshotFile
	if err := codec.Unmarshal(encoded, &file); err != nil {
		return fmt.Errorf("label store: decode snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return fmt.Errorf("label store: snapshot version %d, want %d", file.Version, snapshotVersion)
	}

	err = s.write(ctx, func(conn *sqlite.Conn) error {
		empty, err := storeEmpty(conn)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("label store: import into non-empty store: %w", ErrPrecondition)
		}
		return restoreSnapshot(conn, &file)
	})
	if err != nil {
		return err
	}

	s.logger.Info("snapshot imported",
		"tokens", len(file.Tokens),
		"token_sets", len(file.TokenSets),
		"groups", len(file.Groups),
		"levels", len(file.Levels),
		"objects", len(file.Objects))
	return nil
}

// collectSnapshot reads every relation into file. Callers hold a read
// transaction.
func collectSnapshot(conn *sqlite.Conn, file *snapshotFile) error {
	err := sqlitex.Execute(conn, "SELECT id, value FROM tokens ORDER BY id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			file.Tokens = append(file.Tokens, snapshotToken{
				ID:    stmt.ColumnInt64(0),
				Value: stmt.ColumnText(1),
			})
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("label store: dump tokens: %w", err)
	}

	err = sqlitex.Execute(conn, "SELECT id, signature FROM token_sets ORDER BY id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			set := snapshotSet{ID: stmt.ColumnInt64(0)}
			set.Signature = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, set.Signature)
			file.TokenSets = append(file.TokenSets, set)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("label store: dump token sets: %w", err)
	}
	for i := range file.TokenSets {
		members, err := tokenSetMembers(conn, TokenSetID(file.TokenSets[i].ID))
		if err != nil {
			return err
		}
		file.TokenSets[i].Members = make([]int64, len(members))
		for j, id := range members {
			file.TokenSets[i].Members[j] = int64(id)
		}
	}

	err = sqlitex.Execute(conn,
		"SELECT id, name, token_set_id, created_at FROM security_groups ORDER BY id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				file.Groups = append(file.Groups, snapshotGroup{
					ID:        stmt.ColumnInt64(0),
					Name:      stmt.ColumnText(1),
					TokenSet:  stmt.ColumnInt64(2),
					CreatedAt: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("label store: dump groups: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT id, token_set_id, signature FROM security_levels ORDER BY id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				level := snapshotLevel{
					ID:       stmt.ColumnInt64(0),
					TokenSet: stmt.ColumnInt64(1),
				}
				if stmt.ColumnType(2) != sqlite.TypeNull {
					level.Signature = make([]byte, stmt.ColumnLen(2))
					stmt.ColumnBytes(2, level.Signature)
				}
				file.Levels = append(file.Levels, level)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("label store: dump levels: %w", err)
	}
	for i := range file.Levels {
		groups, err := levelGroupIDs(conn, LevelID(file.Levels[i].ID))
		if err != nil {
			return err
		}
		file.Levels[i].Groups = make([]int64, len(groups))
		for j, id := range groups {
			file.Levels[i].Groups[j] = int64(id)
		}
	}

	err = sqlitex.Execute(conn,
		"SELECT uuid, level_id, created_at FROM security_objects ORDER BY id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				file.Objects = append(file.Objects, snapshotObject{
					UUID:      stmt.ColumnText(0),
					Level:     stmt.ColumnInt64(1),
					CreatedAt: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("label store: dump objects: %w", err)
	}

	return nil
}

// restoreSnapshot inserts every relation with explicit ids. Callers
// hold the write transaction and have verified the store is empty.
func restoreSnapshot(conn *sqlite.Conn, file *snapshotFile) error {
	for _, token := range file.Tokens {
		err := sqlitex.Execute(conn, "INSERT INTO tokens (id, value) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{token.ID, token.Value},
		})
		if err != nil {
			return fmt.Errorf("label store: restore token %d: %w", token.ID, err)
		}
	}

	for _, set := range file.TokenSets {
		err := sqlitex.Execute(conn, "INSERT INTO token_sets (id, signature) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{set.ID, set.Signature},
		})
		if err != nil {
			return fmt.Errorf("label store: restore token set %d: %w", set.ID, err)
		}
		for _, member := range set.Members {
			err := sqlitex.Execute(conn,
				"INSERT INTO token_set_members (token_set_id, token_id) VALUES (?, ?)",
				&sqlitex.ExecOptions{
					Args: []any{set.ID, member},
				})
			if err != nil {
				return fmt.Errorf("label store: restore member %d of set %d: %w", member, set.ID, err)
			}
		}
	}

	for _, group := range file.Groups {
		err := sqlitex.Execute(conn,
			"INSERT INTO security_groups (id, name, token_set_id, created_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{group.ID, group.Name, group.TokenSet, group.CreatedAt},
			})
		if err != nil {
			return fmt.Errorf("label store: restore group %q: %w", group.Name, err)
		}
	}

	for _, level := range file.Levels {
		var signatureArg any
		if level.Signature != nil {
			signatureArg = level.Signature
		}
		err := sqlitex.Execute(conn,
			"INSERT INTO security_levels (id, token_set_id, signature) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{level.ID, level.TokenSet, signatureArg},
			})
		if err != nil {
			return fmt.Errorf("label store: restore level %d: %w", level.ID, err)
		}
		for _, groupID := range level.Groups {
			err := sqlitex.Execute(conn,
				"INSERT INTO level_groups (level_id, group_id) VALUES (?, ?)",
				&sqlitex.ExecOptions{
					Args: []any{level.ID, groupID},
				})
			if err != nil {
				return fmt.Errorf("label store: restore group link %d of level %d: %w", groupID, level.ID, err)
			}
		}
	}

	for _, object := range file.Objects {
		err := sqlitex.Execute(conn,
			"INSERT INTO security_objects (uuid, level_id, created_at) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{object.UUID, object.Level, object.CreatedAt},
			})
		if err != nil {
			return fmt.Errorf("label store: restore object %q: %w", object.UUID, err)
		}
	}

	return nil
}

// storeEmpty reports whether every primary relation holds zero rows.
func storeEmpty(conn *sqlite.Conn) (bool, error) {
	empty := true
	for _, table := range []string{"tokens", "token_sets", "security_groups", "security_levels", "security_objects"} {
		err := sqlitex.ExecuteTransient(conn, "SELECT COUNT(*) FROM "+table, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnInt64(0) != 0 {
					empty = false
				}
				return nil
			},
		})
		if err != nil {
			return false, fmt.Errorf("label store: count %s: %w", table, err)
		}
	}
	return empty, nil
}
