// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cape-foundation/cape/lib/label"
	"github.com/cape-foundation/cape/lib/schema/policy"
)

// handler is the HTTP surface of the policy store. Every route
// delegates to a single store operation (one transaction), so a
// failed request never leaves partial state behind.
type handler struct {
	store  *label.Store
	logger *slog.Logger
}

func newHandler(store *label.Store, logger *slog.Logger) http.Handler {
	h := &handler{store: store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)

	mux.HandleFunc("GET /group", h.listGroups)
	mux.HandleFunc("POST /group", h.putGroup)
	mux.HandleFunc("GET /group/{name}", h.getGroup)
	mux.HandleFunc("GET /group/{name}/ids", h.getGroupIDs)
	mux.HandleFunc("DELETE /group/{name}", h.deleteGroup)

	mux.HandleFunc("GET /object", h.listObjects)
	mux.HandleFunc("POST /object", h.createObject)
	mux.HandleFunc("GET /object/{uuid}", h.getObject)
	mux.HandleFunc("GET /object/{uuid}/ids", h.getObjectIDs)
	mux.HandleFunc("DELETE /object/{uuid}", h.deleteObject)

	mux.HandleFunc("GET /snapshot", h.exportSnapshot)
	mux.HandleFunc("POST /snapshot", h.importSnapshot)

	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string      `json:"status"`
		Stats  label.Stats `json:"stats"`
	}{Status: "ok", Stats: stats})
}

func (h *handler) listGroups(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	names, err := h.store.GroupNames(r.Context(), limit, offset)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *handler) putGroup(w http.ResponseWriter, r *http.Request) {
	var req policy.Group
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	group, values, err := h.store.PutGroup(r.Context(), req.Name, req.Tokens)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy.Group{Name: group.Name, Tokens: values})
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	values, err := h.store.GroupTokenValues(r.Context(), name)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy.Group{Name: name, Tokens: values})
}

func (h *handler) getGroupIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.GroupTokenIDs(r.Context(), r.PathValue("name"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// deleteGroup is idempotent at the HTTP level: deleting a name that
// does not exist succeeds, because the requested end state holds.
func (h *handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	group, err := h.store.GroupByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, label.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.storeError(w, r, err)
		return
	}
	if err := h.store.DeleteGroup(r.Context(), group.ID); err != nil && !errors.Is(err, label.ErrNotFound) {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listObjects(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	uuids, err := h.store.ObjectUUIDs(r.Context(), limit, offset)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uuids)
}

func (h *handler) createObject(w http.ResponseWriter, r *http.Request) {
	var req policy.Object
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	object, view, err := h.store.ComposeObject(r.Context(), label.ObjectSpec{
		UUID:   req.UUID,
		Tokens: req.Level.Tokens,
		Groups: req.Level.Groups,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	// The creation response echoes the object's own token set; the
	// effective union is what GET /object/{uuid} returns.
	writeJSON(w, http.StatusOK, policy.Object{
		UUID: object.UUID,
		Level: policy.Level{
			Tokens: view.Tokens,
			Groups: view.Groups,
		},
	})
}

func (h *handler) getObject(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	view, err := h.store.ObjectDescription(r.Context(), uuid)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy.Object{
		UUID: uuid,
		Level: policy.Level{
			Tokens: view.Tokens,
			Groups: view.Groups,
		},
	})
}

func (h *handler) getObjectIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ObjectEffectiveIDs(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// deleteObject is idempotent at the HTTP level, like deleteGroup.
func (h *handler) deleteObject(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteObject(r.Context(), r.PathValue("uuid"))
	if err != nil && !errors.Is(err, label.ErrNotFound) {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	// Buffer the dump so a failed export can still return an error
	// status instead of a truncated 200.
	var dump bytes.Buffer
	if err := h.store.ExportSnapshot(r.Context(), &dump); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Write(dump.Bytes())
}

func (h *handler) importSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ImportSnapshot(r.Context(), r.Body); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storeError translates a store error into the HTTP error envelope:
// unknown entities are 404, identifier and state conflicts are 409,
// everything else is 500 (logged, with the detail kept server-side).
func (h *handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, label.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, label.ErrUUIDConflict), errors.Is(err, label.ErrPrecondition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// pageParams reads the optional limit and offset query parameters.
// Absent limit means unlimited; absent offset means zero.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
	}
	return limit, offset, nil
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, policy.Error{Message: message})
}
