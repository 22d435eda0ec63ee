// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Storage is where the target file is reconstructed. *os.File satisfies it.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// IntegrityError reports a block resolved twice with different data, which
// means a strong checksum collision or a corrupt meta file. The data
// written first is kept.
type IntegrityError struct {
	Block  int
	Offset int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("zsync: block %d resolved again with different data (seed offset %d)", e.Block, e.Offset)
}

// ApplyResult summarizes the operations applied from one seed.
type ApplyResult struct {
	// Resolved is the number of blocks written for the first time.
	Resolved int
	// Duplicates is the number of operations for blocks already holding the same data.
	Duplicates int
	// Conflicts lists operations carrying data that differs from what was already written.
	Conflicts []*IntegrityError
}

// Reconstructor writes recovered blocks at their place in the target and
// tracks which blocks are still missing. Every block is written at most once.
type Reconstructor struct {
	table *Table
	dst   Storage

	mu             sync.RWMutex
	resolved       []byte
	numResolved    int
	bytesRecovered int64
}

// NewReconstructor returns a Reconstructor writing the target described by t into dst.
func NewReconstructor(t *Table, dst Storage) *Reconstructor {
	return &Reconstructor{
		table:    t,
		dst:      dst,
		resolved: make([]byte, (t.NumBlocks+7)/8),
	}
}

func (r *Reconstructor) isResolved(id int) bool {
	return r.resolved[id/8]&(1<<(id%8)) != 0
}

// Resolve writes data as the content of block id. Only the first
// BlockLength(id) bytes of data are used. If the block was already resolved
// nothing is written; an *IntegrityError is returned when the stored content
// differs from data.
func (r *Reconstructor) Resolve(id int, data []byte) (bool, error) {
	return r.resolve(BlockOperation{Index: id, Data: data})
}

func (r *Reconstructor) resolve(op BlockOperation) (bool, error) {
	t := r.table
	id := op.Index
	if id < 0 || id >= t.NumBlocks {
		return false, errors.Errorf("zsync: block %d out of range [0, %d)", id, t.NumBlocks)
	}

	size := t.BlockLength(id)
	if len(op.Data) < size {
		return false, errors.Errorf("zsync: block %d needs %d bytes, got %d", id, size, len(op.Data))
	}
	block := op.Data[:size]
	offset := int64(id) * int64(t.BlockSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isResolved(id) {
		stored := make([]byte, size)
		if _, err := r.dst.ReadAt(stored, offset); err != nil && err != io.EOF {
			return false, errors.Wrapf(err, "failed reading block %d", id)
		}
		if !bytes.Equal(stored, block) {
			return false, &IntegrityError{Block: id, Offset: op.Offset}
		}
		return false, nil
	}

	if _, err := r.dst.WriteAt(block, offset); err != nil {
		return false, errors.Wrapf(err, "failed writing block %d", id)
	}

	r.resolved[id/8] |= 1 << (id % 8)
	r.numResolved++
	r.bytesRecovered += int64(size)
	return true, nil
}

// Apply writes the blocks received on ops until the channel is closed. It
// stops at the first operation carrying an error, or when ctx is done.
// Integrity conflicts do not stop it, they are collected in the result.
func (r *Reconstructor) Apply(ctx context.Context, ops <-chan BlockOperation) (ApplyResult, error) {
	var res ApplyResult

	for o := range ops {
		if o.Error != nil {
			return res, o.Error
		}

		written, err := r.resolve(o)
		if err != nil {
			var conflict *IntegrityError
			if !errors.As(err, &conflict) {
				return res, err
			}
			res.Conflicts = append(res.Conflicts, conflict)
		} else if written {
			res.Resolved++
		} else {
			res.Duplicates++
		}

		// Allows for cancellation.
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
			// break out of the select block and continue reading ops
			break
		}
	}

	// The producer gives up silently when ctx is cancelled.
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// IsResolved reports whether block id has been written.
func (r *Reconstructor) IsResolved(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= r.table.NumBlocks {
		return false
	}
	return r.isResolved(id)
}

// BytesRecovered returns the number of target bytes written so far.
func (r *Reconstructor) BytesRecovered() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bytesRecovered
}

// Progress returns the fraction of the target recovered, between 0 and 1.
func (r *Reconstructor) Progress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.table.Length == 0 {
		return 1
	}
	return float64(r.bytesRecovered) / float64(r.table.Length)
}

// Complete reports whether every block has been resolved.
func (r *Reconstructor) Complete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.numResolved == r.table.NumBlocks
}

// Holes returns the ids of the blocks not resolved yet, in ascending order.
func (r *Reconstructor) Holes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var holes []int
	for id := 0; id < r.table.NumBlocks; id++ {
		if !r.isResolved(id) {
			holes = append(holes, id)
		}
	}
	return holes
}
