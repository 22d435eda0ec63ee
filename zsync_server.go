// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// HashLengths sets how many checksum bytes are stored per block.
type HashLengths struct {
	// SeqMatches is the number of consecutive blocks that must match, 1 or 2.
	SeqMatches int
	// WeakBytes is the number of rolling checksum bytes stored, 2 to 4.
	WeakBytes int
	// StrongBytes is the number of MD4 bytes stored, up to 16.
	StrongBytes int
}

// DefaultHashLengths returns hash lengths keeping the chance of a false
// match negligible for a target of the given length: bigger targets get
// longer checksums, and two sequential matches are required as soon as the
// target spans more than one block. A blockSize of zero means
// DefaultBlockSize.
func DefaultHashLengths(length int64, blockSize int) HashLengths {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	l := float64(length)
	if l < 1 {
		l = 1
	}
	bs := float64(blockSize)

	seq := 1
	if length > int64(blockSize) {
		seq = 2
	}

	weak := int(math.Ceil(((math.Log(l)+math.Log(bs))/math.Log(2) - 8.6) / float64(seq) / 8))
	weak = min(max(weak, 2), 4)

	blocks := float64(length / int64(blockSize))
	strong := int(math.Ceil((20 + (math.Log(l)+math.Log(1+blocks))/math.Log(2)) / float64(seq) / 8))
	strong = max(strong, int((7.9+(20+math.Log(1+blocks)/math.Log(2)))/8))
	strong = min(strong, maxStrongBytes)

	return HashLengths{SeqMatches: seq, WeakBytes: weak, StrongBytes: strong}
}

// MakeOptions configures WriteMetaFile.
type MakeOptions struct {
	// BlockSize must be a power of two. Defaults to DefaultBlockSize.
	BlockSize int
	// Filename is the name the target is saved under.
	Filename string
	// MTime is the modification time of the target, omitted when zero.
	MTime time.Time
	// URLs the target can be downloaded from.
	URLs []string
	// HashLengths defaults to DefaultHashLengths when SeqMatches is zero.
	HashLengths HashLengths
	// Compress gzips the whole meta file.
	Compress bool
}

type blockSums struct {
	weak   RollingChecksum
	strong []byte
}

// WriteMetaFile reads the target from r and writes its meta file to w. The
// last block is zero padded to the block size before being checksummed.
// It returns the hash lengths written into the meta file.
func WriteMetaFile(ctx context.Context, w io.Writer, r io.Reader, opts MakeOptions) (HashLengths, error) {
	if r == nil {
		return HashLengths{}, errors.New("zsync: reader required")
	}

	bs := opts.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	if bs < 0 || bs&(bs-1) != 0 {
		return HashLengths{}, errors.Errorf("zsync: blocksize %d is not a power of two", bs)
	}
	if bs > maxBlockSize {
		return HashLengths{}, errors.Errorf("zsync: blocksize %d exceeds %d", bs, maxBlockSize)
	}

	var (
		sums   []blockSums
		length int64
	)
	whole := sha1.New()
	buffer := make([]byte, bs)

	for {
		// Allow for cancellation
		select {
		case <-ctx.Done():
			return HashLengths{}, errors.Wrapf(ctx.Err(), "failed checksumming target")
		default:
			// break out of the select block and continue reading
			break
		}

		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			whole.Write(buffer[:n])
			length += int64(n)
			clear(buffer[n:])

			sums = append(sums, blockSums{
				weak:   NewRollingChecksum(buffer),
				strong: strongChecksum(buffer),
			})
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return HashLengths{}, errors.Wrapf(err, "failed reading block %d", len(sums))
		}
	}

	hl := opts.HashLengths
	if hl.SeqMatches == 0 {
		hl = DefaultHashLengths(length, bs)
	}
	if hl.SeqMatches < 1 || hl.SeqMatches > 2 || hl.WeakBytes < 2 || hl.WeakBytes > 4 ||
		hl.StrongBytes < 0 || hl.StrongBytes > maxStrongBytes {
		return HashLengths{}, errors.Errorf("zsync: invalid hash lengths %d,%d,%d", hl.SeqMatches, hl.WeakBytes, hl.StrongBytes)
	}

	out := w
	var zw *gzip.Writer
	if opts.Compress {
		zw = gzip.NewWriter(w)
		out = zw
	}
	bw := bufio.NewWriter(out)

	fmt.Fprintf(bw, "zsync: %s\n", Version)
	if opts.Filename != "" {
		fmt.Fprintf(bw, "Filename: %s\n", opts.Filename)
	}
	if !opts.MTime.IsZero() {
		fmt.Fprintf(bw, "MTime: %s\n", opts.MTime.Format(time.RFC1123Z))
	}
	fmt.Fprintf(bw, "Blocksize: %d\n", bs)
	fmt.Fprintf(bw, "Length: %d\n", length)
	fmt.Fprintf(bw, "Hash-Lengths: %d,%d,%d\n", hl.SeqMatches, hl.WeakBytes, hl.StrongBytes)
	for _, u := range opts.URLs {
		fmt.Fprintf(bw, "URL: %s\n", u)
	}
	fmt.Fprintf(bw, "SHA-1: %s\n\n", hex.EncodeToString(whole.Sum(nil)))

	var rsum [4]byte
	for _, s := range sums {
		s.weak.PutBytes(rsum[:])
		bw.Write(rsum[4-hl.WeakBytes:])
		bw.Write(s.strong[:hl.StrongBytes])
	}

	if err := bw.Flush(); err != nil {
		return HashLengths{}, errors.Wrapf(err, "failed writing meta file")
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return HashLengths{}, errors.Wrapf(err, "failed writing meta file")
		}
	}
	return hl, nil
}
