// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cape-foundation/cape/lib/clock"
	"github.com/cape-foundation/cape/lib/label"
	"github.com/cape-foundation/cape/lib/schema/policy"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	store, err := label.Open(label.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "labels.db"),
		Clock:  clock.Fake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("label.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(method, target, reader))
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(recorder.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
	}
	return v
}

func TestGroupLifecycle(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, "POST", "/group", policy.Group{
		Name:   "engineering",
		Tokens: []string{"keycard", "badge"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("POST /group = %d: %s", resp.Code, resp.Body)
	}
	created := decodeBody[policy.Group](t, resp)
	if created.Name != "engineering" {
		t.Errorf("created name = %q", created.Name)
	}
	if !slices.Equal(created.Tokens, []string{"badge", "keycard"}) {
		t.Errorf("created tokens = %v, want sorted", created.Tokens)
	}

	resp = do(t, h, "GET", "/group/engineering", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET /group/engineering = %d", resp.Code)
	}
	fetched := decodeBody[policy.Group](t, resp)
	if !slices.Equal(fetched.Tokens, []string{"badge", "keycard"}) {
		t.Errorf("fetched tokens = %v", fetched.Tokens)
	}

	resp = do(t, h, "GET", "/group/engineering/ids", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET ids = %d", resp.Code)
	}
	ids := decodeBody[[]int64](t, resp)
	if len(ids) != 2 {
		t.Errorf("ids = %v, want 2", ids)
	}

	resp = do(t, h, "GET", "/group", nil)
	if names := decodeBody[[]string](t, resp); !slices.Equal(names, []string{"engineering"}) {
		t.Errorf("group list = %v", names)
	}

	resp = do(t, h, "DELETE", "/group/engineering", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", resp.Code)
	}
	// Idempotent: a second delete of the same name also succeeds.
	resp = do(t, h, "DELETE", "/group/engineering", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("second DELETE = %d", resp.Code)
	}
	resp = do(t, h, "GET", "/group/engineering", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("GET after delete = %d", resp.Code)
	}
}

func TestGroupValidation(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", []byte("{nope")},
		{"empty name", policy.Group{Tokens: []string{"x"}}},
		{"slash in name", policy.Group{Name: "a/b"}},
		{"empty token", policy.Group{Name: "ok", Tokens: []string{""}}},
		{"oversized token", policy.Group{Name: "ok", Tokens: []string{strings.Repeat("x", policy.MaxTokenLength+1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, h, "POST", "/group", tt.body); resp.Code != http.StatusBadRequest {
				t.Errorf("POST /group = %d, want 400", resp.Code)
			}
		})
	}
}

func TestGroupListPaging(t *testing.T) {
	h := newTestHandler(t)
	for _, name := range []string{"one", "two", "three"} {
		if resp := do(t, h, "POST", "/group", policy.Group{Name: name}); resp.Code != http.StatusOK {
			t.Fatalf("POST %q = %d", name, resp.Code)
		}
	}

	resp := do(t, h, "GET", "/group?limit=1&offset=1", nil)
	if names := decodeBody[[]string](t, resp); !slices.Equal(names, []string{"two"}) {
		t.Errorf("paged list = %v", names)
	}

	if resp := do(t, h, "GET", "/group?limit=banana", nil); resp.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", resp.Code)
	}
	if resp := do(t, h, "GET", "/group?offset=-3", nil); resp.Code != http.StatusBadRequest {
		t.Errorf("negative offset = %d, want 400", resp.Code)
	}
}

func TestObjectLifecycle(t *testing.T) {
	h := newTestHandler(t)

	if resp := do(t, h, "POST", "/group", policy.Group{Name: "staff", Tokens: []string{"badge"}}); resp.Code != http.StatusOK {
		t.Fatalf("POST /group = %d", resp.Code)
	}

	resp := do(t, h, "POST", "/object", policy.Object{
		Level: policy.Level{
			Tokens: []string{"printer"},
			Groups: []string{"staff"},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("POST /object = %d: %s", resp.Code, resp.Body)
	}
	created := decodeBody[policy.Object](t, resp)
	if created.UUID == "" {
		t.Fatal("created object has no uuid")
	}
	// The creation response carries the object's own tokens only.
	if !slices.Equal(created.Level.Tokens, []string{"printer"}) {
		t.Errorf("creation tokens = %v", created.Level.Tokens)
	}

	// GET returns the effective union instead.
	resp = do(t, h, "GET", "/object/"+created.UUID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET /object/{uuid} = %d", resp.Code)
	}
	fetched := decodeBody[policy.Object](t, resp)
	if !slices.Equal(fetched.Level.Tokens, []string{"badge", "printer"}) {
		t.Errorf("effective tokens = %v", fetched.Level.Tokens)
	}
	if !slices.Equal(fetched.Level.Groups, []string{"staff"}) {
		t.Errorf("groups = %v", fetched.Level.Groups)
	}

	// Updating the group is visible through the object immediately.
	if resp := do(t, h, "POST", "/group", policy.Group{Name: "staff", Tokens: []string{"retina-scan"}}); resp.Code != http.StatusOK {
		t.Fatalf("POST /group update = %d", resp.Code)
	}
	resp = do(t, h, "GET", "/object/"+created.UUID, nil)
	fetched = decodeBody[policy.Object](t, resp)
	if !slices.Equal(fetched.Level.Tokens, []string{"printer", "retina-scan"}) {
		t.Errorf("effective tokens after group update = %v", fetched.Level.Tokens)
	}

	resp = do(t, h, "GET", "/object/"+created.UUID+"/ids", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET ids = %d", resp.Code)
	}
	if ids := decodeBody[[]int64](t, resp); len(ids) != 2 {
		t.Errorf("effective ids = %v, want 2", ids)
	}

	resp = do(t, h, "GET", "/object", nil)
	if uuids := decodeBody[[]string](t, resp); !slices.Equal(uuids, []string{created.UUID}) {
		t.Errorf("object list = %v", uuids)
	}

	if resp := do(t, h, "DELETE", "/object/"+created.UUID, nil); resp.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", resp.Code)
	}
	if resp := do(t, h, "DELETE", "/object/"+created.UUID, nil); resp.Code != http.StatusNoContent {
		t.Fatalf("second DELETE = %d", resp.Code)
	}
	if resp := do(t, h, "GET", "/object/"+created.UUID, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("GET after delete = %d", resp.Code)
	}
}

func TestObjectSuppliedUUID(t *testing.T) {
	h := newTestHandler(t)

	object := policy.Object{
		UUID:  "server-room",
		Level: policy.Level{Tokens: []string{"alpha"}},
	}
	if resp := do(t, h, "POST", "/object", object); resp.Code != http.StatusOK {
		t.Fatalf("POST /object = %d", resp.Code)
	}
	if resp := do(t, h, "POST", "/object", object); resp.Code != http.StatusConflict {
		t.Fatalf("duplicate uuid = %d, want 409", resp.Code)
	}
}

func TestObjectUnknownGroup(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, "POST", "/object", policy.Object{
		Level: policy.Level{Groups: []string{"ghost"}},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("POST with unknown group = %d, want 404", resp.Code)
	}
	envelope := decodeBody[policy.Error](t, resp)
	if envelope.Message == "" {
		t.Error("error envelope is empty")
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, "GET", "/healthz", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", resp.Code)
	}
	health := decodeBody[struct {
		Status string      `json:"status"`
		Stats  label.Stats `json:"stats"`
	}](t, resp)
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestSnapshotExportFailureReturnsError(t *testing.T) {
	store, err := label.Open(label.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "labels.db"),
		Clock:  clock.Fake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("label.Open: %v", err)
	}
	h := newHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Closing the store makes every export fail before a single byte
	// is produced. The handler must report that, not an empty 200.
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	resp := do(t, h, "GET", "/snapshot", nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("GET /snapshot on closed store = %d, want 500", resp.Code)
	}
	envelope := decodeBody[policy.Error](t, resp)
	if envelope.Message == "" {
		t.Error("error envelope is empty")
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	source := newTestHandler(t)

	if resp := do(t, source, "POST", "/group", policy.Group{Name: "staff", Tokens: []string{"badge"}}); resp.Code != http.StatusOK {
		t.Fatalf("POST /group = %d", resp.Code)
	}
	if resp := do(t, source, "POST", "/object", policy.Object{
		UUID:  "vault",
		Level: policy.Level{Groups: []string{"staff"}},
	}); resp.Code != http.StatusOK {
		t.Fatalf("POST /object = %d", resp.Code)
	}

	dump := do(t, source, "GET", "/snapshot", nil)
	if dump.Code != http.StatusOK {
		t.Fatalf("GET /snapshot = %d", dump.Code)
	}

	restored := newTestHandler(t)
	if resp := do(t, restored, "POST", "/snapshot", dump.Body.Bytes()); resp.Code != http.StatusNoContent {
		t.Fatalf("POST /snapshot = %d: %s", resp.Code, resp.Body)
	}

	resp := do(t, restored, "GET", "/object/vault", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET restored object = %d", resp.Code)
	}
	object := decodeBody[policy.Object](t, resp)
	if !slices.Equal(object.Level.Tokens, []string{"badge"}) {
		t.Errorf("restored effective tokens = %v", object.Level.Tokens)
	}

	// A second import hits a non-empty store: conflict.
	if resp := do(t, restored, "POST", "/snapshot", dump.Body.Bytes()); resp.Code != http.StatusConflict {
		t.Fatalf("second POST /snapshot = %d, want 409", resp.Code)
	}
}
