// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/blake3"
)

// Signature is a 32-byte BLAKE3 digest over a sorted id list. It is
// the canonical key used to detect structural equality of token sets
// and level group-sets: computed at write time, stored on the row, and
// indexed, so deduplication is a single indexed lookup instead of a
// runtime aggregation whose ordering the storage engine does not
// guarantee.
type Signature [32]byte

// signatureDomainKey is a 32-byte key for BLAKE3 keyed hashing.
// Domain separation ensures a token-set signature can never collide
// with a level group-set signature over the same ids.
type signatureDomainKey [32]byte

// Domain separation keys. Fixed constants — changing them invalidates
// every stored signature. The byte values are the ASCII encoding of
// the domain name, zero-padded to 32 bytes, so the keys are readable
// in hex dumps.
var (
	tokenSetDomainKey = signatureDomainKey{
		'c', 'a', 'p', 'e', '.', 'l', 'a', 'b', 'e', 'l', '.',
		't', 'o', 'k', 'e', 'n', 's', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	levelGroupsDomainKey = signatureDomainKey{
		'c', 'a', 'p', 'e', '.', 'l', 'a', 'b', 'e', 'l', '.',
		'l', 'e', 'v', 'e', 'l', 'g', 'r', 'o', 'u', 'p', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// tokenSetSignature computes the canonical signature of a token-set
// membership. The input may be unsorted and contain duplicates; the
// signature is always computed over the deduplicated, ascending id
// list, so structurally equal sets produce identical signatures.
func tokenSetSignature(ids []TokenID) Signature {
	sorted := make([]int64, len(ids))
	for i, id := range ids {
		sorted[i] = int64(id)
	}
	return idListSignature(tokenSetDomainKey, sorted)
}

// levelGroupsSignature computes the canonical signature of a level's
// referenced group ids.
func levelGroupsSignature(ids []GroupID) Signature {
	sorted := make([]int64, len(ids))
	for i, id := range ids {
		sorted[i] = int64(id)
	}
	return idListSignature(levelGroupsDomainKey, sorted)
}

// idListSignature hashes the sorted, deduplicated id list with the
// given domain key. Each id contributes 8 big-endian bytes, so the
// encoding is unambiguous without delimiters.
func idListSignature(key signatureDomainKey, ids []int64) Signature {
	slices.Sort(ids)
	ids = slices.Compact(ids)

	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("label: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var word [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(word[:], uint64(id))
		hasher.Write(word[:])
	}

	var signature Signature
	copy(signature[:], hasher.Sum(nil))
	return signature
}

// normalizeTokenIDs returns the sorted, deduplicated copy of ids used
// for membership writes. Keeping writes and signatures on the same
// normalized list means the stored links always match the stored
// signature.
func normalizeTokenIDs(ids []TokenID) []TokenID {
	normalized := slices.Clone(ids)
	slices.Sort(normalized)
	return slices.Compact(normalized)
}

// normalizeGroupIDs is the group-id analog of normalizeTokenIDs.
func normalizeGroupIDs(ids []GroupID) []GroupID {
	normalized := slices.Clone(ids)
	slices.Sort(normalized)
	return slices.Compact(normalized)
}
