// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hooklift/assert"
	"github.com/pkg/errors"
)

const validHeader = "zsync: 0.6.2\n" +
	"Filename: app.img\n" +
	"MTime: Tue, 20 Oct 2026 10:00:00 +0000\n" +
	"Blocksize: 1024\n" +
	"Length: 2100\n" +
	"Hash-Lengths: 2,3,5\n" +
	"URL: http://example.com/app.img\n" +
	"URL: http://mirror.example.com/app.img\n" +
	"SHA-1: 0123456789ABCDEF0123456789abcdef01234567\n" +
	"\n"

// body returns n records of weak+strong bytes, every byte set to its record number.
func body(n, weak, strong int) []byte {
	var b []byte
	for i := 0; i < n; i++ {
		b = append(b, bytes.Repeat([]byte{byte(i + 1)}, weak+strong)...)
	}
	return b
}

func TestParseMetaFile(t *testing.T) {
	meta := append([]byte(validHeader), body(3, 3, 5)...)

	table, err := ParseMetaFile(bytes.NewReader(meta))
	assert.Ok(t, err)

	assert.Equals(t, "0.6.2", table.Version)
	assert.Equals(t, "app.img", table.Filename)
	assert.Equals(t, "Tue, 20 Oct 2026 10:00:00 +0000", table.MTime)
	assert.Equals(t, []string{"http://example.com/app.img", "http://mirror.example.com/app.img"}, table.URLs)
	assert.Equals(t, "0123456789abcdef0123456789abcdef01234567", table.SHA1)
	assert.Equals(t, 1024, table.BlockSize)
	assert.Equals(t, uint(10), table.BlockShift)
	assert.Equals(t, int64(2100), table.Length)
	assert.Equals(t, 3, table.NumBlocks)
	assert.Equals(t, 2, table.SeqMatches)
	assert.Equals(t, 3, table.WeakBytes)
	assert.Equals(t, 5, table.StrongBytes)
	assert.Equals(t, uint16(0x00ff), table.WeakMask)
	assert.Equals(t, 2048, table.Context())

	assert.Equals(t, 3+2, len(table.Blocks))
	for id := 0; id < table.NumBlocks; id++ {
		v := byte(id + 1)
		e := table.Blocks[id]
		assert.Equals(t, id, e.ID)
		// Three transmitted weak bytes fill the low byte of A and all of B.
		assert.Equals(t, RollingChecksum{A: uint16(v), B: uint16(v)<<8 | uint16(v)}, e.Weak)
		assert.Equals(t, bytes.Repeat([]byte{v}, 5), e.Strong)
	}
	for id := table.NumBlocks; id < len(table.Blocks); id++ {
		assert.Equals(t, RollingChecksum{}, table.Blocks[id].Weak)
	}

	assert.Equals(t, 1024, table.BlockLength(0))
	assert.Equals(t, 52, table.BlockLength(2))
}

func TestParseMetaFileHeaderSyntax(t *testing.T) {
	header := "ZSYNC:0.6.2\r\n" +
		"  BlockSize :   512  \r\n" +
		"length: 0\r\n" +
		"hash-lengths: 1, 4, 16\r\n" +
		"\r\n"

	table, err := ParseMetaFile(strings.NewReader(header))
	assert.Ok(t, err)
	assert.Equals(t, 512, table.BlockSize)
	assert.Equals(t, uint(9), table.BlockShift)
	assert.Equals(t, 0, table.NumBlocks)
	assert.Equals(t, uint16(0xffff), table.WeakMask)
}

func TestParseMetaFileErrors(t *testing.T) {
	tests := []struct {
		desc string
		meta string
	}{
		{"unknown header", "zsync: 0.6.2\nbogus-key: 1\nBlocksize: 1024\nLength: 10\nHash-Lengths: 1,4,16\n\n"},
		{"header without delimiter", "zsync: 0.6.2\nBlocksize 1024\nLength: 10\nHash-Lengths: 1,4,16\n\n"},
		{"two hash lengths", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 2,3\n\n"},
		{"four hash lengths", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 2,3,4,5\n\n"},
		{"non numeric hash lengths", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 2,x,4\n\n"},
		{"three sequential matches", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 3,4,16\n\n"},
		{"weak checksum too long", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 1,5,16\n\n"},
		{"strong checksum too long", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 1,4,17\n\n"},
		{"blocksize not a power of two", "zsync: 0.6.2\nBlocksize: 1000\nLength: 10\nHash-Lengths: 1,4,16\n\n"},
		{"zero blocksize", "zsync: 0.6.2\nBlocksize: 0\nLength: 10\nHash-Lengths: 1,4,16\n\n"},
		{"negative length", "zsync: 0.6.2\nBlocksize: 1024\nLength: -1\nHash-Lengths: 1,4,16\n\n"},
		{"missing version", "Blocksize: 1024\nLength: 0\nHash-Lengths: 1,4,16\n\n"},
		{"missing blocksize", "zsync: 0.6.2\nLength: 0\nHash-Lengths: 1,4,16\n\n"},
		{"missing length", "zsync: 0.6.2\nBlocksize: 1024\nHash-Lengths: 1,4,16\n\n"},
		{"missing hash lengths", "zsync: 0.6.2\nBlocksize: 1024\nLength: 0\n\n"},
		{"header not terminated", "zsync: 0.6.2\nBlocksize: 1024\nLength: 0\nHash-Lengths: 1,4,16\n"},
		{"empty file", ""},
		{"missing body", "zsync: 0.6.2\nBlocksize: 1024\nLength: 10\nHash-Lengths: 1,4,16\n\n"},
		{"blocksize too large", "zsync: 0.6.2\nBlocksize: 1073741824\nLength: 10\nHash-Lengths: 1,4,16\n\n"},
		{"huge blocksize and length", "zsync: 1\nblocksize: 4611686018427387904\nlength: 9223372036854775807\nhash-lengths: 1,4,16\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			table, err := ParseMetaFile(strings.NewReader(tt.meta))
			assert.Cond(t, errors.Is(err, ErrFormat), "expected a format error")
			assert.Cond(t, table == nil, "no table should be returned on failure")
		})
	}
}

func TestParseMetaFileTruncatedBody(t *testing.T) {
	target := srand(5, 10*1024+7)

	var meta bytes.Buffer
	opts := MakeOptions{BlockSize: 1024, HashLengths: HashLengths{SeqMatches: 2, WeakBytes: 2, StrongBytes: 4}}
	_, err := WriteMetaFile(context.Background(), &meta, bytes.NewReader(target), opts)
	assert.Ok(t, err)

	full := meta.Bytes()
	_, err = ParseMetaFile(bytes.NewReader(full))
	assert.Ok(t, err)

	table, err := ParseMetaFile(bytes.NewReader(full[:len(full)-(2+4)]))
	assert.Cond(t, errors.Is(err, ErrFormat), "expected a format error")
	assert.Cond(t, table == nil, "no table should be returned on failure")
}

func TestParseMetaFileTooLarge(t *testing.T) {
	meta := "zsync: 0.6.2\nBlocksize: 1\nLength: 1099511627776\nHash-Lengths: 1,4,16\n\n"

	_, err := ParseMetaFile(strings.NewReader(meta))
	assert.Cond(t, errors.Is(err, ErrTooLarge), "expected a size error")
}

func TestWriteMetaFile(t *testing.T) {
	target := srand(7, 5*2048+10)
	mtime := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	for _, compress := range []bool{false, true} {
		var meta bytes.Buffer
		opts := MakeOptions{
			BlockSize: 2048,
			Filename:  "target.bin",
			MTime:     mtime,
			URLs:      []string{"http://example.com/target.bin"},
			Compress:  compress,
		}
		written, err := WriteMetaFile(context.Background(), &meta, bytes.NewReader(target), opts)
		assert.Ok(t, err)

		table, err := ParseMetaFile(&meta)
		assert.Ok(t, err)

		hl := DefaultHashLengths(int64(len(target)), 2048)
		assert.Equals(t, hl, written)
		assert.Equals(t, Version, table.Version)
		assert.Equals(t, "target.bin", table.Filename)
		assert.Equals(t, mtime.Format(time.RFC1123Z), table.MTime)
		assert.Equals(t, []string{"http://example.com/target.bin"}, table.URLs)
		assert.Equals(t, int64(len(target)), table.Length)
		assert.Equals(t, 6, table.NumBlocks)
		assert.Equals(t, hl.SeqMatches, table.SeqMatches)
		assert.Equals(t, hl.WeakBytes, table.WeakBytes)
		assert.Equals(t, hl.StrongBytes, table.StrongBytes)
		assert.Equals(t, 40, len(table.SHA1))

		// The last block is checksummed zero padded.
		last := make([]byte, 2048)
		copy(last, target[5*2048:])
		assert.Equals(t, NewRollingChecksum(last).B, table.Blocks[5].Weak.B)
		assert.Equals(t, strongChecksum(last)[:table.StrongBytes], table.Blocks[5].Strong)
	}
}

func TestWriteMetaFileInvalidOptions(t *testing.T) {
	var meta bytes.Buffer
	_, err := WriteMetaFile(context.Background(), &meta, strings.NewReader("data"), MakeOptions{BlockSize: 1000})
	assert.Cond(t, err != nil, "blocksize must be a power of two")

	_, err = WriteMetaFile(context.Background(), &meta, strings.NewReader("data"), MakeOptions{BlockSize: maxBlockSize << 1})
	assert.Cond(t, err != nil, "blocksize must not exceed the limit readers accept")

	opts := MakeOptions{HashLengths: HashLengths{SeqMatches: 3, WeakBytes: 4, StrongBytes: 16}}
	_, err = WriteMetaFile(context.Background(), &meta, strings.NewReader("data"), opts)
	assert.Cond(t, err != nil, "sequential matches are limited to 2")

	// Explicit hash lengths are written as given.
	opts = MakeOptions{BlockSize: 1024, HashLengths: HashLengths{SeqMatches: 1, WeakBytes: 4, StrongBytes: 16}}
	hl, err := WriteMetaFile(context.Background(), &meta, strings.NewReader("data"), opts)
	assert.Ok(t, err)
	assert.Equals(t, opts.HashLengths, hl)
}

func TestDefaultHashLengths(t *testing.T) {
	tests := []struct {
		length    int64
		blockSize int
		want      HashLengths
	}{
		{0, 2048, HashLengths{SeqMatches: 1, WeakBytes: 2, StrongBytes: 3}},
		{700, 1024, HashLengths{SeqMatches: 1, WeakBytes: 2, StrongBytes: 4}},
		{20*1024 + 123, 1024, HashLengths{SeqMatches: 2, WeakBytes: 2, StrongBytes: 4}},
		{1 << 30, 4096, HashLengths{SeqMatches: 2, WeakBytes: 3, StrongBytes: 5}},
		// A zero block size stands for DefaultBlockSize.
		{100, 0, HashLengths{SeqMatches: 1, WeakBytes: 2, StrongBytes: 3}},
		{20*1024 + 123, 0, DefaultHashLengths(20*1024+123, DefaultBlockSize)},
	}

	for _, tt := range tests {
		assert.Equals(t, tt.want, DefaultHashLengths(tt.length, tt.blockSize))
	}
}

func TestReadMetaFile(t *testing.T) {
	_, err := ReadMetaFile(filepath.Join(t.TempDir(), "missing.zsync"))
	assert.Cond(t, os.IsNotExist(errors.Cause(err)), "expected a not exist error")
}
