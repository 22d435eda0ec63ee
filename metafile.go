// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

var (
	// ErrFormat is wrapped by every error caused by a malformed meta file.
	ErrFormat = errors.New("zsync: malformed meta file")
	// ErrTooLarge is returned when a target has more blocks than can be indexed.
	ErrTooLarge = errors.New("zsync: target too large")
)

const (
	maxStrongBytes = 16
	maxBlocks      = math.MaxInt32 - 2
	// maxBlockSize bounds the seed buffers sized from the block size.
	maxBlockSize = 1 << 20
)

// BlockEntry holds the transmitted checksums of one target block.
type BlockEntry struct {
	ID int
	// Weak only carries the transmitted low-order bytes of the checksum.
	Weak RollingChecksum
	// Strong is a prefix of the block's MD4 digest.
	Strong []byte
}

// Table is the parsed content of a meta file.
type Table struct {
	Version  string
	Filename string
	MTime    string
	URLs     []string
	SHA1     string

	BlockSize  int
	BlockShift uint
	Length     int64
	NumBlocks  int

	SeqMatches  int
	WeakBytes   int
	StrongBytes int
	// WeakMask is applied to the A half of a locally computed checksum
	// before comparing it with a transmitted one.
	WeakMask uint16

	// Blocks has NumBlocks+SeqMatches entries. The trailing ones are zero
	// sentinels that let sequential matching look one block ahead.
	Blocks []BlockEntry
}

// BlockLength returns the number of target bytes covered by block id.
func (t *Table) BlockLength(id int) int {
	if id == t.NumBlocks-1 {
		return int(t.Length - int64(id)*int64(t.BlockSize))
	}
	return t.BlockSize
}

// Context is the number of bytes after a window position needed to check a match.
func (t *Table) Context() int {
	return t.BlockSize * t.SeqMatches
}

// ReadMetaFile opens and parses the meta file at path. Gzip compressed meta files are accepted.
func ReadMetaFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening meta file")
	}
	defer f.Close()

	return ParseMetaFile(f)
}

// ParseMetaFile reads a meta file: "key: value" header lines up to a blank
// line, followed by one binary checksum record per target block.
func ParseMetaFile(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(err, "failed opening compressed meta file")
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	t := &Table{}
	if err := t.parseHeader(br); err != nil {
		return nil, err
	}
	if err := t.parseChecksums(br); err != nil {
		return nil, err
	}
	return t, nil
}

func formatErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFormat, format, args...)
}

func (t *Table) parseHeader(br *bufio.Reader) error {
	var haveVersion, haveBlockSize, haveLength, haveHashLengths bool

	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return errors.Wrapf(err, "failed reading meta file header")
		}
		if err == io.EOF && line == "" {
			return formatErrorf("header not terminated by a blank line")
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return formatErrorf("header line %q has no delimiter", line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "zsync":
			t.Version = value
			haveVersion = true
		case "filename":
			t.Filename = value
		case "mtime":
			t.MTime = value
		case "url":
			t.URLs = append(t.URLs, value)
		case "sha-1":
			t.SHA1 = strings.ToLower(value)
		case "blocksize":
			bs, err := strconv.Atoi(value)
			if err != nil || bs <= 0 || bs&(bs-1) != 0 {
				return formatErrorf("blocksize %q is not a positive power of two", value)
			}
			if bs > maxBlockSize {
				return formatErrorf("blocksize %d exceeds %d", bs, maxBlockSize)
			}
			t.BlockSize = bs
			t.BlockShift = uint(bits.TrailingZeros(uint(bs)))
			haveBlockSize = true
		case "length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return formatErrorf("invalid length %q", value)
			}
			t.Length = n
			haveLength = true
		case "hash-lengths":
			if err := t.parseHashLengths(value); err != nil {
				return err
			}
			haveHashLengths = true
		default:
			return formatErrorf("unknown header %q", key)
		}

		if err == io.EOF {
			return formatErrorf("header not terminated by a blank line")
		}
	}

	switch {
	case !haveVersion:
		return formatErrorf("missing zsync header")
	case !haveBlockSize:
		return formatErrorf("missing blocksize header")
	case !haveLength:
		return formatErrorf("missing length header")
	case !haveHashLengths:
		return formatErrorf("missing hash-lengths header")
	}

	blocks := t.Length / int64(t.BlockSize)
	if t.Length%int64(t.BlockSize) != 0 {
		blocks++
	}
	if blocks > maxBlocks {
		return errors.Wrapf(ErrTooLarge, "%d blocks", blocks)
	}
	t.NumBlocks = int(blocks)
	return nil
}

func (t *Table) parseHashLengths(value string) error {
	fields := strings.Split(value, ",")
	if len(fields) != 3 {
		return formatErrorf("hash-lengths %q needs exactly three values", value)
	}

	var v [3]int
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return formatErrorf("hash-lengths %q: %v", value, err)
		}
		v[i] = n
	}

	seq, weak, strong := v[0], v[1], v[2]
	if seq < 1 || seq > 2 || weak < 2 || weak > 4 || strong < 0 || strong > maxStrongBytes {
		return formatErrorf("hash-lengths %q out of range", value)
	}

	t.SeqMatches = seq
	t.WeakBytes = weak
	t.StrongBytes = strong
	t.WeakMask = weakMask(weak)
	return nil
}

// weakMask returns the mask covering the bytes of A that are transmitted
// when only the low-order weak bytes of A‖B are sent.
func weakMask(weakBytes int) uint16 {
	switch weakBytes {
	case 4:
		return 0xffff
	case 3:
		return 0x00ff
	default:
		return 0
	}
}

func (t *Table) parseChecksums(br *bufio.Reader) error {
	t.Blocks = make([]BlockEntry, t.NumBlocks+t.SeqMatches)
	strong := make([]byte, t.NumBlocks*t.StrongBytes)

	var rsum [4]byte
	for id := 0; id < t.NumBlocks; id++ {
		rsum = [4]byte{}
		if _, err := io.ReadFull(br, rsum[4-t.WeakBytes:]); err != nil {
			return t.bodyError(id, err)
		}

		s := strong[id*t.StrongBytes : (id+1)*t.StrongBytes : (id+1)*t.StrongBytes]
		if _, err := io.ReadFull(br, s); err != nil {
			return t.bodyError(id, err)
		}

		t.Blocks[id] = BlockEntry{
			ID: id,
			Weak: TransmittedChecksum(
				binary.NativeEndian.Uint16(rsum[0:2]),
				binary.NativeEndian.Uint16(rsum[2:4]),
			),
			Strong: s,
		}
	}

	for id := t.NumBlocks; id < len(t.Blocks); id++ {
		t.Blocks[id].ID = id
	}
	return nil
}

func (t *Table) bodyError(id int, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return formatErrorf("checksums truncated at block %d of %d", id, t.NumBlocks)
	}
	return errors.Wrapf(err, "failed reading checksum of block %d", id)
}
