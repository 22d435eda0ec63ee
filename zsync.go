// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zsync implements the client side of the zsync delta-transfer
// algorithm: it parses a .zsync meta file describing the blocks of a target
// file and recovers as many of those blocks as possible from local seed files.
package zsync

import (
	"encoding/binary"
)

const (
	// DefaultBlockSize is the block size used when generating meta files and none is given.
	DefaultBlockSize = 2048

	// Version is the format version written into generated meta files.
	Version = "0.6.2"
)

// hostLittleEndian reports whether the machine stores the low-order byte first.
var hostLittleEndian = func() bool {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	return b[0] == 1
}()

// RollingChecksum is the weak checksum of a block as defined in
// https://www.samba.org/~tridge/phd_thesis.pdf. Both halves wrap at 2^16.
type RollingChecksum struct {
	A uint16
	B uint16
}

// NewRollingChecksum computes the checksum of window from scratch.
func NewRollingChecksum(window []byte) RollingChecksum {
	var r RollingChecksum
	n := len(window)
	for _, c := range window {
		r.A += uint16(c)
		r.B += uint16(n) * uint16(c)
		n--
	}
	return r
}

// TransmittedChecksum wraps a checksum read off the wire. a and b hold the
// transmitted bytes in host order, the protocol sends them big-endian, so
// they are byte-swapped on little-endian machines.
func TransmittedChecksum(a, b uint16) RollingChecksum {
	if hostLittleEndian {
		return RollingChecksum{A: swap16(a), B: swap16(b)}
	}
	return RollingChecksum{A: a, B: b}
}

func swap16(v uint16) uint16 {
	return v<<8 | v>>8
}

// Update rolls the window one byte forward: old leaves it, new enters it.
// blockShift is log2 of the window length.
func (r *RollingChecksum) Update(old, new byte, blockShift uint) {
	r.A += uint16(new) - uint16(old)
	r.B += r.A - uint16(old)<<blockShift
}

// Equal reports whether both halves of the checksums are identical.
func (r RollingChecksum) Equal(o RollingChecksum) bool {
	return r == o
}

// PutBytes writes the checksum in network order into the first 4 bytes of b.
func (r RollingChecksum) PutBytes(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], r.A)
	binary.BigEndian.PutUint16(b[2:4], r.B)
}

// BlockOperation is a reconstruction instruction produced while scanning a seed.
type BlockOperation struct {
	// Index is the target block the data belongs to.
	Index int
	// Offset is the position of Data in the seed.
	Offset int64
	// Data holds blocksize bytes of seed data matching the block. The last
	// block of a target may be shorter, in which case only its prefix is used.
	Data []byte
	// Error is used to report a failure reading the seed. It is always the last operation sent.
	Error error
}

// Stats counts the work done while scanning one seed.
type Stats struct {
	// WeakHits is the number of positions whose weak checksum matched a block.
	WeakHits int
	// StrongChecksums is the number of strong checksums computed.
	StrongChecksums int
	// StrongHits is the number of blocks confirmed by their strong checksum.
	StrongHits int
}
