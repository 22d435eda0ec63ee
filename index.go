// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"github.com/pkg/errors"
)

// bitHashBits is the number of extra hash bits used by the bit filter
// beyond those selecting a bucket.
const bitHashBits = 3

const (
	maxHashOrder = 16
	minHashOrder = 4
	noEntry      = -1
)

// Index maps weak checksums to target blocks. Buckets are singly linked
// chains of block ids kept in ascending order; a bit filter rejects most
// non-matching hashes without touching the buckets.
//
// An Index is read-only once built and may be shared between scans.
type Index struct {
	table *Table

	hashMask    uint32
	bitHashMask uint32

	// head holds the first block id of every bucket, next the following
	// block id in the same bucket.
	head    []int32
	next    []int32
	bitHash []byte
}

// BuildIndex builds the lookup structures for the blocks of t.
func BuildIndex(t *Table) (*Index, error) {
	if t.NumBlocks > maxBlocks || len(t.Blocks) < t.NumBlocks+t.SeqMatches {
		return nil, errors.Wrapf(ErrTooLarge, "cannot index %d blocks", t.NumBlocks)
	}

	// Use the smallest table order, not below minHashOrder, whose size
	// still exceeds the number of blocks.
	i := uint(maxHashOrder)
	for (1<<i) > t.NumBlocks && i > minHashOrder {
		i--
	}

	idx := &Index{
		table:       t,
		hashMask:    (2 << i) - 1,
		bitHashMask: (2 << (i + bitHashBits)) - 1,
	}

	idx.head = make([]int32, idx.hashMask+1)
	for b := range idx.head {
		idx.head[b] = noEntry
	}
	idx.next = make([]int32, t.NumBlocks)
	idx.bitHash = make([]byte, (idx.bitHashMask+1)>>3)

	for id := t.NumBlocks - 1; id >= 0; id-- {
		h := idx.entryHash(id)

		bucket := h & idx.hashMask
		idx.next[id] = idx.head[bucket]
		idx.head[bucket] = int32(id)

		idx.bitHash[(h&idx.bitHashMask)>>3] |= 1 << (h & 7)
	}

	return idx, nil
}

// Table returns the table the index was built from.
func (idx *Index) Table() *Table {
	return idx.table
}

// entryHash combines the checksum of block id with either the checksum of
// the following block, when sequential matches are required, or with the
// transmitted part of its own A half.
func (idx *Index) entryHash(id int) uint32 {
	t := idx.table
	e := t.Blocks[id].Weak
	if t.SeqMatches > 1 {
		return rsumHash(e.B, t.Blocks[id+1].Weak.B)
	}
	return rsumHash(e.B, e.A&t.WeakMask)
}

// windowHash is entryHash for the checksums of a seed window r0 and the
// window r1 following it.
func (idx *Index) windowHash(r0, r1 RollingChecksum) uint32 {
	t := idx.table
	if t.SeqMatches > 1 {
		return rsumHash(r0.B, r1.B)
	}
	return rsumHash(r0.B, r0.A&t.WeakMask)
}

func rsumHash(b, x uint16) uint32 {
	return uint32(b) ^ uint32(x)<<bitHashBits
}

// MayContain reports whether some block might have the given hash. It has
// false positives but never false negatives.
func (idx *Index) MayContain(h uint32) bool {
	return idx.bitHash[(h&idx.bitHashMask)>>3]&(1<<(h&7)) != 0
}

// Chain returns the block ids stored in the bucket of h, in ascending order.
func (idx *Index) Chain(h uint32) []int {
	var ids []int
	for id := idx.head[h&idx.hashMask]; id != noEntry; id = idx.next[id] {
		ids = append(ids, int(id))
	}
	return ids
}

// first returns the head of the bucket of h, or noEntry.
func (idx *Index) first(h uint32) int32 {
	return idx.head[h&idx.hashMask]
}

// weakMatch reports whether the window checksum r equals the transmitted
// checksum of block id.
func (idx *Index) weakMatch(id int, r RollingChecksum) bool {
	e := idx.table.Blocks[id].Weak
	return e.B == r.B && e.A == r.A&idx.table.WeakMask
}
