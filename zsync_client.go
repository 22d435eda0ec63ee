// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/md4"
)

// seedChunkBlocks is the number of blocks read from a seed at once.
const seedChunkBlocks = 16

// Sync scans r looking for blocks of the target described by idx and sends
// a BlockOperation for each block found. Unmatched seed data is not reported.
// This function does not block and returns immediately. The channel is closed
// once r is exhausted, after a read error, or when ctx is cancelled; the
// returned Stats are only valid after that.
//
// The index is only read, so several seeds may be scanned concurrently
// against the same index.
func Sync(ctx context.Context, r io.Reader, idx *Index) (<-chan BlockOperation, *Stats, error) {
	if r == nil {
		return nil, nil, errors.New("zsync: reader required")
	}
	if idx == nil {
		return nil, nil, errors.New("zsync: index required")
	}

	o := make(chan BlockOperation)
	m := newMatcher(idx, func(op BlockOperation) bool {
		select {
		case o <- op:
			return true
		case <-ctx.Done():
			return false
		}
	})

	go func() {
		defer close(o)

		if err := m.scan(ctx, r); err != nil {
			select {
			case o <- BlockOperation{Error: err}:
			case <-ctx.Done():
			}
		}
	}()

	return o, &m.stats, nil
}

// matcher slides a window over seed data, one chunk at a time, and reports
// the target blocks it finds.
type matcher struct {
	idx *Index
	t   *Table

	// r[0] is the checksum of the window at the current position, r[1] the
	// one of the window following it when two sequential blocks must match.
	r [2]RollingChecksum

	// skip is the position in the next chunk where scanning resumes when a
	// match jumped past the end of the previous one.
	skip int
	// nextMatch is the block expected right after a run of matches.
	nextMatch int

	emit    func(BlockOperation) bool
	stopped bool
	stats   Stats
}

func newMatcher(idx *Index, emit func(BlockOperation) bool) *matcher {
	return &matcher{
		idx:       idx,
		t:         idx.table,
		nextMatch: noEntry,
		emit:      emit,
	}
}

// scan reads r in chunks of seedChunkBlocks blocks. The last Context bytes
// of a chunk are carried over to the beginning of the next one so windows
// spanning two chunks are seen, and the final chunk is padded with
// Context zeros so the windows covering the tail of the seed are checked too.
func (m *matcher) scan(ctx context.Context, r io.Reader) error {
	if m.t.NumBlocks == 0 {
		return nil
	}

	carry := m.t.Context()
	bufSize := seedChunkBlocks * m.t.BlockSize
	buf := make([]byte, bufSize+carry)

	var offset int64
	n, err := io.ReadFull(r, buf[:bufSize])
	length := n
	first := true

	for {
		// Allow for cancellation.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			// break out of the select block and continue reading
			break
		}

		eof := false
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			eof = true
		default:
			return errors.Wrapf(err, "failed reading seed data")
		}

		if eof {
			clear(buf[length : length+carry])
			length += carry
		}

		if !m.submit(buf[:length], offset, first) {
			return ctx.Err()
		}
		first = false

		if eof {
			return nil
		}

		copy(buf, buf[length-carry:length])
		offset += int64(length - carry)

		n, err = io.ReadFull(r, buf[carry:bufSize])
		length = carry + n
	}
}

// submit scans one chunk of seed data starting at offset in the seed. It
// returns false if the consumer stopped accepting operations.
func (m *matcher) submit(data []byte, offset int64, first bool) bool {
	t := m.t
	bs := t.BlockSize
	lookahead := t.Context()

	x := 0
	if first {
		m.nextMatch = noEntry
	} else {
		x = m.skip
	}
	if first || x > 0 {
		m.resync(data, x)
	}
	m.skip = 0

	for x+lookahead < len(data) {
		matched := 0

		if m.nextMatch != noEntry && t.SeqMatches > 1 {
			matched = m.checkChain(data[x:], offset+int64(x), int32(m.nextMatch), true)
			if matched == 0 {
				m.nextMatch = noEntry
			}
		}

		if matched == 0 {
			h := m.idx.windowHash(m.r[0], m.r[1])
			if m.idx.MayContain(h) {
				if id := m.idx.first(h); id != noEntry {
					matched = m.checkChain(data[x:], offset+int64(x), id, false)
				}
			}
		}

		if m.stopped {
			return false
		}

		if matched > 0 {
			x += bs * matched
			if x+lookahead > len(data) {
				m.skip = x + lookahead - len(data)
				return true
			}

			// Moving forward by a single block, the following window was
			// already summed.
			if t.SeqMatches > 1 && matched == 1 {
				m.r[0] = m.r[1]
			} else {
				m.r[0] = NewRollingChecksum(data[x : x+bs])
			}
			if t.SeqMatches > 1 {
				m.r[1] = NewRollingChecksum(data[x+bs : x+2*bs])
			}
			continue
		}

		oc := data[x]
		nc := data[x+bs]
		m.r[0].Update(oc, nc, t.BlockShift)
		if t.SeqMatches > 1 {
			m.r[1].Update(nc, data[x+2*bs], t.BlockShift)
		}
		x++
	}

	return true
}

// resync computes the window checksums at position x from scratch.
func (m *matcher) resync(data []byte, x int) {
	bs := m.t.BlockSize
	m.r[0] = NewRollingChecksum(data[x : x+bs])
	if m.t.SeqMatches > 1 {
		m.r[1] = NewRollingChecksum(data[x+bs : x+2*bs])
	}
}

// checkChain compares the windows at the start of data with the blocks of
// the chain starting at id, or with block id alone when onlyOne is set. It
// reports every confirmed block and returns the number of blocks the scan
// position may advance by, 0 if nothing matched.
func (m *matcher) checkChain(data []byte, offset int64, id int32, onlyOne bool) int {
	t := m.t
	bs := t.BlockSize

	var strong [2][]byte
	done := -1
	advance := 0

	for ; id != noEntry; id = m.following(id, onlyOne) {
		e := int(id)
		if !m.idx.weakMatch(e, m.r[0]) {
			continue
		}
		if t.SeqMatches > 1 && !m.idx.weakMatch(e+1, m.r[1]) {
			continue
		}
		m.stats.WeakHits++

		want := t.SeqMatches
		if onlyOne {
			want = 1
		}

		ok := true
		for k := 0; k < want && e+k < t.NumBlocks; k++ {
			if k > done {
				strong[k] = m.strongSum(data[k*bs : (k+1)*bs])
				done = k
			}
			if !bytes.Equal(strong[k], t.Blocks[e+k].Strong) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		n := want
		if e+n > t.NumBlocks {
			n = t.NumBlocks - e
		}
		for k := 0; k < n; k++ {
			op := BlockOperation{
				Index:  e + k,
				Offset: offset + int64(k*bs),
				Data:   append([]byte(nil), data[k*bs:(k+1)*bs]...),
			}
			if !m.emit(op) {
				m.stopped = true
				return 0
			}
		}
		m.stats.StrongHits += n

		if t.SeqMatches > 1 && e+want < t.NumBlocks {
			m.nextMatch = e + want
		} else {
			m.nextMatch = noEntry
		}
		advance = want
	}

	return advance
}

func (m *matcher) following(id int32, onlyOne bool) int32 {
	if onlyOne {
		return noEntry
	}
	return m.idx.next[id]
}

// strongSum returns the strong checksum of block, truncated to the
// transmitted length. A fresh digest is used for every block.
func (m *matcher) strongSum(block []byte) []byte {
	if m.t.StrongBytes == 0 {
		return nil
	}
	m.stats.StrongChecksums++
	return strongChecksum(block)[:m.t.StrongBytes]
}

func strongChecksum(block []byte) []byte {
	h := md4.New()
	h.Write(block)
	return h.Sum(nil)
}
