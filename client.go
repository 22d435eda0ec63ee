// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrNoMetaFile is returned by operations needing a meta file before one was loaded.
	ErrNoMetaFile = errors.New("zsync: no meta file loaded")
	// ErrIncomplete is returned by Verify while some blocks are still missing.
	ErrIncomplete = errors.New("zsync: target incomplete")
	// ErrChecksumMismatch is returned by Verify when the target does not hash to its SHA-1 header.
	ErrChecksumMismatch = errors.New("zsync: target checksum mismatch")
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used to report progress. Nothing is logged by default.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithOutput reconstructs the target into s instead of a temporary file.
// The caller keeps ownership of s.
func WithOutput(s Storage) Option {
	return func(c *Client) {
		c.output = s
	}
}

// WithTempDir sets the directory the temporary target file is created in.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

// Client recovers a target file from local seed files using its meta file.
type Client struct {
	logger  zerolog.Logger
	output  Storage
	tempDir string

	mu      sync.Mutex
	table   *Table
	index   *Index
	rec     *Reconstructor
	tmpFile *os.File
}

// SeedReport describes what a single seed contributed.
type SeedReport struct {
	Stats
	ApplyResult
}

// NewClient returns a Client without a meta file.
func NewClient(opts ...Option) *Client {
	c := &Client{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("session_id", uuid.New().String()).Logger()
	return c
}

// LoadMetaFile parses the meta file at path and prepares the target for
// reconstruction. On failure the client is left as it was.
func (c *Client) LoadMetaFile(path string) error {
	t, err := ReadMetaFile(path)
	if err != nil {
		return err
	}

	idx, err := BuildIndex(t)
	if err != nil {
		return err
	}

	dst := c.output
	var tmp *os.File
	if dst == nil {
		tmp, err = os.CreateTemp(c.tempDir, "zsync-*.part")
		if err != nil {
			return errors.Wrapf(err, "failed creating target file")
		}
		if err := tmp.Truncate(t.Length); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return errors.Wrapf(err, "failed sizing target file")
		}
		dst = tmp
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeTemp()
	c.table = t
	c.index = idx
	c.rec = NewReconstructor(t, dst)
	c.tmpFile = tmp

	c.logger.Info().
		Str("meta_file", path).
		Str("filename", t.Filename).
		Int64("length", t.Length).
		Int("blocksize", t.BlockSize).
		Int("blocks", t.NumBlocks).
		Ints("hash_lengths", []int{t.SeqMatches, t.WeakBytes, t.StrongBytes}).
		Msg("meta file loaded")
	return nil
}

// SubmitSeedFile scans the file at path and writes every target block found
// in it. Success does not mean the target is complete, see Holes.
func (c *Client) SubmitSeedFile(ctx context.Context, path string) (SeedReport, error) {
	idx, rec := c.session()
	if idx == nil {
		return SeedReport{}, ErrNoMetaFile
	}

	f, err := os.Open(path)
	if err != nil {
		return SeedReport{}, errors.Wrapf(err, "failed opening seed file")
	}
	defer f.Close()

	return c.submit(ctx, path, f, idx, rec)
}

// SubmitSeed is SubmitSeedFile for data not stored in a file.
func (c *Client) SubmitSeed(ctx context.Context, r io.Reader) (SeedReport, error) {
	idx, rec := c.session()
	if idx == nil {
		return SeedReport{}, ErrNoMetaFile
	}
	return c.submit(ctx, "", r, idx, rec)
}

func (c *Client) submit(ctx context.Context, name string, r io.Reader, idx *Index, rec *Reconstructor) (SeedReport, error) {
	var report SeedReport
	logger := c.logger.With().Str("seed", name).Logger()

	if rec.Complete() {
		logger.Debug().Msg("target already complete, seed skipped")
		return report, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ops, stats, err := Sync(ctx, r, idx)
	if err != nil {
		return report, err
	}

	res, err := rec.Apply(ctx, ops)
	report.ApplyResult = res
	if err != nil {
		logger.Error().Err(err).Int("blocks", res.Resolved).Msg("seed scan aborted")
		return report, errors.Wrapf(err, "failed applying seed %s", name)
	}
	report.Stats = *stats

	for _, conflict := range res.Conflicts {
		logger.Warn().
			Int("block", conflict.Block).
			Int64("offset", conflict.Offset).
			Msg("block resolved with conflicting data")
	}

	logger.Info().
		Int("blocks", res.Resolved).
		Int("duplicates", res.Duplicates).
		Int("weak_hits", stats.WeakHits).
		Int("strong_hits", stats.StrongHits).
		Int64("bytes_recovered", rec.BytesRecovered()).
		Float64("progress_percent", rec.Progress()*100).
		Msg("seed submitted")
	return report, nil
}

func (c *Client) session() (*Index, *Reconstructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index, c.rec
}

// Table returns the parsed meta file, or nil before LoadMetaFile succeeded.
func (c *Client) Table() *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table
}

// Progress returns the fraction of the target recovered so far.
func (c *Client) Progress() float64 {
	if _, rec := c.session(); rec != nil {
		return rec.Progress()
	}
	return 0
}

// BytesRecovered returns the number of target bytes recovered so far.
func (c *Client) BytesRecovered() int64 {
	if _, rec := c.session(); rec != nil {
		return rec.BytesRecovered()
	}
	return 0
}

// Complete reports whether every block of the target has been recovered.
func (c *Client) Complete() bool {
	_, rec := c.session()
	return rec != nil && rec.Complete()
}

// Holes returns the blocks that still have to be fetched from elsewhere.
func (c *Client) Holes() []int {
	if _, rec := c.session(); rec != nil {
		return rec.Holes()
	}
	return nil
}

// Resolve stores data obtained from another source as the content of block id.
func (c *Client) Resolve(id int, data []byte) error {
	_, rec := c.session()
	if rec == nil {
		return ErrNoMetaFile
	}
	_, err := rec.Resolve(id, data)
	return err
}

// OutputPath returns the path of the temporary target file, or "" when the
// target is written to a Storage given with WithOutput.
func (c *Client) OutputPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tmpFile == nil {
		return ""
	}
	return c.tmpFile.Name()
}

// Verify checks the reconstructed target against the SHA-1 of its meta
// file. Targets whose meta file carries no SHA-1 always pass.
func (c *Client) Verify() error {
	c.mu.Lock()
	t, rec := c.table, c.rec
	c.mu.Unlock()

	if t == nil {
		return ErrNoMetaFile
	}
	if !rec.Complete() {
		return errors.Wrapf(ErrIncomplete, "%d blocks missing", len(rec.Holes()))
	}
	if t.SHA1 == "" {
		return nil
	}

	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(rec.dst, 0, t.Length)); err != nil {
		return errors.Wrapf(err, "failed reading target")
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != t.SHA1 {
		return errors.Wrapf(ErrChecksumMismatch, "got %s, want %s", sum, t.SHA1)
	}
	return nil
}

// Close releases the temporary target file, removing it from disk.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeTemp()
}

func (c *Client) closeTemp() error {
	if c.tmpFile == nil {
		return nil
	}
	err := c.tmpFile.Close()
	if rerr := os.Remove(c.tmpFile.Name()); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	c.tmpFile = nil
	return err
}
