// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

// Package label implements the Cape label interning and composition
// engine: hierarchical, set-based security labels attached to opaque
// objects.
//
// The engine maintains five entity kinds in a single SQLite database:
//
//   - Token: an atomic label value, interned to a stable id.
//   - TokenSet: a content-addressed set of tokens, deduplicated by a
//     canonical signature over its sorted member ids.
//   - SecurityGroup: a named, mutable wrapper around one token set.
//     Group updates mutate the set in place, so every level that
//     references the group observes the new membership immediately.
//   - SecurityLevel: a token set plus a set of groups, deduplicated by
//     the signature of its group ids.
//   - SecurityObject: a uuid-identified resource carrying one level.
//
// A level's effective permission set is the union of its own token
// set with the token sets of all referenced groups. Groups never nest,
// so the traversal depth is fixed.
//
// Every mutating operation runs inside a single IMMEDIATE transaction.
// SQLite's single-writer lock serializes all find-or-create operations,
// so the lookup and the conditional insert of an interning step cannot
// interleave across concurrent callers.
//
// Deletion never cascades upward: deleting an object leaves its level;
// deleting a level leaves its groups. Unreferenced rows accumulate and
// are reclaimed only by an out-of-band sweep, which is out of scope
// here.
package label
