// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/cape-foundation/cape/lib/clock"
)

func TestCreateObjectSuppliedUUID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	setID, err := store.GetOrCreateTokenSet(ctx, nil)
	if err != nil {
		t.Fatalf("GetOrCreateTokenSet: %v", err)
	}
	levelID, err := store.GetOrCreateLevel(ctx, setID, nil)
	if err != nil {
		t.Fatalf("GetOrCreateLevel: %v", err)
	}

	object, err := store.CreateObject(ctx, levelID, "vault-door-7")
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if object.UUID != "vault-door-7" {
		t.Fatalf("uuid = %q, want the supplied one", object.UUID)
	}
	if object.Level != levelID {
		t.Fatalf("level = %d, want %d", object.Level, levelID)
	}

	// A second object under the same identifier is a conflict, not a
	// silent regeneration: the caller chose the name.
	if _, err := store.CreateObject(ctx, levelID, "vault-door-7"); !errors.Is(err, ErrUUIDConflict) {
		t.Fatalf("duplicate supplied uuid = %v, want ErrUUIDConflict", err)
	}
}

func TestCreateObjectRegeneratesOnCollision(t *testing.T) {
	ctx := context.Background()

	// A deterministic source that repeats a taken identifier twice
	// before yielding a free one, forcing the regeneration path.
	sequence := []string{"dup", "dup", "dup", "fresh"}
	store, err := Open(StoreConfig{
		Path:   filepath.Join(t.TempDir(), "labels.db"),
		Clock:  clock.Fake(time.Unix(0, 0)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		UUIDSource: func() string {
			next := sequence[0]
			if len(sequence) > 1 {
				sequence = sequence[1:]
			}
			return next
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	setID, err := store.GetOrCreateTokenSet(ctx, nil)
	if err != nil {
		t.Fatalf("GetOrCreateTokenSet: %v", err)
	}
	levelID, err := store.GetOrCreateLevel(ctx, setID, nil)
	if err != nil {
		t.Fatalf("GetOrCreateLevel: %v", err)
	}

	first, err := store.CreateObject(ctx, levelID, "")
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if first.UUID != "dup" {
		t.Fatalf("first generated uuid = %q, want %q", first.UUID, "dup")
	}

	// The source yields "dup" twice more; the store must skip both
	// collisions silently and land on the free identifier.
	second, err := store.CreateObject(ctx, levelID, "")
	if err != nil {
		t.Fatalf("CreateObject with colliding source: %v", err)
	}
	if second.UUID != "fresh" {
		t.Fatalf("second generated uuid = %q, want %q", second.UUID, "fresh")
	}
}

func TestCreateObjectUnknownLevel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.CreateObject(ctx, 9999, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateObject(unknown level) = %v, want ErrNotFound", err)
	}
	if _, err := store.CreateObject(ctx, 0, ""); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("CreateObject(0) = %v, want ErrPrecondition", err)
	}
}

func TestComposeObjectViews(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, _, err := store.PutGroup(ctx, "staff", []string{"badge", "keycard"}); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}

	object, view, err := store.ComposeObject(ctx, ObjectSpec{
		Tokens: []string{"printer", "badge"},
		Groups: []string{"staff"},
	})
	if err != nil {
		t.Fatalf("ComposeObject: %v", err)
	}
	if object.UUID == "" {
		t.Fatal("composed object has no uuid")
	}

	// The creation view echoes the object's OWN token set.
	if !slices.Equal(view.Tokens, []string{"badge", "printer"}) {
		t.Fatalf("creation view tokens = %v", view.Tokens)
	}
	if !slices.Equal(view.Groups, []string{"staff"}) {
		t.Fatalf("creation view groups = %v", view.Groups)
	}

	// The description view carries the EFFECTIVE union instead.
	description, err := store.ObjectDescription(ctx, object.UUID)
	if err != nil {
		t.Fatalf("ObjectDescription: %v", err)
	}
	if !slices.Equal(description.Tokens, []string{"badge", "keycard", "printer"}) {
		t.Fatalf("description tokens = %v", description.Tokens)
	}
	if !slices.Equal(description.Groups, []string{"staff"}) {
		t.Fatalf("description groups = %v", description.Groups)
	}

	// Updating the group shifts the effective view, not the own set.
	if _, _, err := store.PutGroup(ctx, "staff", []string{"retina-scan"}); err != nil {
		t.Fatalf("PutGroup update: %v", err)
	}
	description, err = store.ObjectDescription(ctx, object.UUID)
	if err != nil {
		t.Fatalf("ObjectDescription after update: %v", err)
	}
	if !slices.Equal(description.Tokens, []string{"badge", "printer", "retina-scan"}) {
		t.Fatalf("description tokens after group update = %v", description.Tokens)
	}
}

func TestComposeObjectUnknownGroup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.ComposeObject(ctx, ObjectSpec{
		Tokens: []string{"alpha"},
		Groups: []string{"nonexistent"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ComposeObject(unknown group) = %v, want ErrNotFound", err)
	}

	// The failed composition must not leave partial state behind.
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats != (Stats{}) {
		t.Fatalf("stats after failed compose = %+v, want all zero", stats)
	}
}

func TestComposeObjectSharesLevels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, _, err := store.PutGroup(ctx, "staff", []string{"badge"}); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}

	first, _, err := store.ComposeObject(ctx, ObjectSpec{
		Tokens: []string{"alpha"},
		Groups: []string{"staff"},
	})
	if err != nil {
		t.Fatalf("ComposeObject: %v", err)
	}
	second, _, err := store.ComposeObject(ctx, ObjectSpec{
		Tokens: []string{"beta"},
		Groups: []string{"staff"},
	})
	if err != nil {
		t.Fatalf("ComposeObject: %v", err)
	}

	// Same group set: same level, even though the token values differ.
	a, err := store.ObjectByUUID(ctx, first.UUID)
	if err != nil {
		t.Fatalf("ObjectByUUID: %v", err)
	}
	b, err := store.ObjectByUUID(ctx, second.UUID)
	if err != nil {
		t.Fatalf("ObjectByUUID: %v", err)
	}
	if a.Level != b.Level {
		t.Fatalf("objects got levels %d and %d, want one shared level", a.Level, b.Level)
	}
}

func TestObjectUUIDsPaging(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	setID, err := store.GetOrCreateTokenSet(ctx, nil)
	if err != nil {
		t.Fatalf("GetOrCreateTokenSet: %v", err)
	}
	levelID, err := store.GetOrCreateLevel(ctx, setID, nil)
	if err != nil {
		t.Fatalf("GetOrCreateLevel: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.CreateObject(ctx, levelID, id); err != nil {
			t.Fatalf("CreateObject(%q): %v", id, err)
		}
	}

	all, err := store.ObjectUUIDs(ctx, -1, 0)
	if err != nil {
		t.Fatalf("ObjectUUIDs: %v", err)
	}
	if !slices.Equal(all, []string{"a", "b", "c"}) {
		t.Fatalf("uuids = %v", all)
	}
	page, err := store.ObjectUUIDs(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ObjectUUIDs: %v", err)
	}
	if !slices.Equal(page, []string{"b"}) {
		t.Fatalf("page = %v", page)
	}
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	object, _, err := store.ComposeObject(ctx, ObjectSpec{Tokens: []string{"alpha"}})
	if err != nil {
		t.Fatalf("ComposeObject: %v", err)
	}

	if err := store.DeleteObject(ctx, object.UUID); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := store.ObjectByUUID(ctx, object.UUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ObjectByUUID after delete = %v, want ErrNotFound", err)
	}
	if err := store.DeleteObject(ctx, object.UUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteObject = %v, want ErrNotFound", err)
	}

	// The level survives: deletes never cascade.
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Levels != 1 {
		t.Fatalf("level count after object delete = %d, want 1", stats.Levels)
	}
	if stats.Objects != 0 {
		t.Fatalf("object count after delete = %d, want 0", stats.Objects)
	}
}

func TestObjectEffectiveIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, _, err := store.PutGroup(ctx, "staff", []string{"badge"}); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	object, _, err := store.ComposeObject(ctx, ObjectSpec{
		Tokens: []string{"printer"},
		Groups: []string{"staff"},
	})
	if err != nil {
		t.Fatalf("ComposeObject: %v", err)
	}

	ids, err := store.ObjectEffectiveIDs(ctx, object.UUID)
	if err != nil {
		t.Fatalf("ObjectEffectiveIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("effective ids = %v, want 2 tokens", ids)
	}
	if !slices.IsSorted(ids) {
		t.Fatalf("effective ids %v not sorted", ids)
	}

	if _, err := store.ObjectEffectiveIDs(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ObjectEffectiveIDs(unknown) = %v, want ErrNotFound", err)
	}
}
