// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"fmt"
	"testing"

	"github.com/hooklift/assert"
)

// syntheticTable returns a table of n blocks with the given weak checksums
// and single block matching.
func syntheticTable(weak []RollingChecksum) *Table {
	t := &Table{
		BlockSize:   1024,
		BlockShift:  10,
		Length:      int64(len(weak)) * 1024,
		NumBlocks:   len(weak),
		SeqMatches:  1,
		WeakBytes:   4,
		StrongBytes: 0,
		WeakMask:    0xffff,
		Blocks:      make([]BlockEntry, len(weak)+1),
	}
	for id, w := range weak {
		t.Blocks[id] = BlockEntry{ID: id, Weak: w}
	}
	t.Blocks[len(weak)].ID = len(weak)
	return t
}

func TestIndexChainOrder(t *testing.T) {
	weak := make([]RollingChecksum, 10)
	for id := range weak {
		weak[id] = RollingChecksum{B: uint16(id + 1)}
	}
	for _, id := range []int{5, 2, 9} {
		weak[id] = RollingChecksum{}
	}

	idx, err := BuildIndex(syntheticTable(weak))
	assert.Ok(t, err)

	h := idx.windowHash(RollingChecksum{}, RollingChecksum{})
	assert.Cond(t, idx.MayContain(h), "shared hash should pass the filter")
	assert.Equals(t, []int{2, 5, 9}, idx.Chain(h))
}

func TestIndexSize(t *testing.T) {
	tests := []struct {
		blocks   int
		hashMask uint32
	}{
		{0, 31},
		{17, 31},
		{1000, 1023},
		{100000, 1<<17 - 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d blocks", tt.blocks), func(t *testing.T) {
			idx, err := BuildIndex(syntheticTable(make([]RollingChecksum, tt.blocks)))
			assert.Ok(t, err)
			assert.Equals(t, tt.hashMask, idx.hashMask)
			assert.Equals(t, int(tt.hashMask+1), len(idx.head))
			assert.Equals(t, int(tt.hashMask+1)<<bitHashBits, len(idx.bitHash)*8)
		})
	}
}

func TestIndexNoFalseNegatives(t *testing.T) {
	target := srand(3, 200*512+99)

	tests := []struct {
		desc string
		hl   HashLengths
	}{
		{"sequential matches", HashLengths{SeqMatches: 2, WeakBytes: 2, StrongBytes: 4}},
		{"single matches", HashLengths{SeqMatches: 1, WeakBytes: 4, StrongBytes: 4}},
		{"single matches, 3 weak bytes", HashLengths{SeqMatches: 1, WeakBytes: 3, StrongBytes: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			table := metaTable(t, target, MakeOptions{BlockSize: 512, HashLengths: tt.hl})
			idx, err := BuildIndex(table)
			assert.Ok(t, err)

			// windows returns the checksum of the zero padded target block id.
			windows := func(id int) RollingChecksum {
				block := make([]byte, 512)
				if off := id * 512; off < len(target) {
					copy(block, target[off:])
				}
				return NewRollingChecksum(block)
			}

			for id := 0; id < table.NumBlocks; id++ {
				h := idx.entryHash(id)
				assert.Cond(t, idx.MayContain(h), fmt.Sprintf("block %d rejected by the filter", id))
				assert.Cond(t, contains(idx.Chain(h), id), fmt.Sprintf("block %d missing from its chain", id))

				// The seed side hashes the same blocks to the same value.
				assert.Equals(t, h, idx.windowHash(windows(id), windows(id+1)))
				assert.Cond(t, idx.weakMatch(id, windows(id)), fmt.Sprintf("block %d weak checksum mismatch", id))
			}
		})
	}
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
