// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now directly. In production, Real() provides the standard
// library behavior. In tests, Fake() provides a deterministic clock
// that advances only when Advance or Set is called.
//
// The store records creation timestamps and snapshot metadata through
// its Clock field, so tests can pin exact timestamps:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	store, _ := label.Open(label.StoreConfig{..., Clock: c})
package clock
