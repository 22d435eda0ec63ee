// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// zsyncmake writes the .zsync meta file describing a target file.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/c4milo/zsync"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		blockSize int
		output    string
		filename  string
		urls      []string
		compress  bool
	)

	flagSet := pflag.NewFlagSet("zsyncmake", pflag.ContinueOnError)
	flagSet.IntVarP(&blockSize, "blocksize", "b", zsync.DefaultBlockSize, "block size, a power of two")
	flagSet.StringVarP(&output, "output", "o", "", "meta file path (default: FILE.zsync)")
	flagSet.StringVarP(&filename, "filename", "f", "", "target filename written in the meta file (default: base name of FILE)")
	flagSet.StringSliceVarP(&urls, "url", "u", nil, "URL the target can be downloaded from (repeatable)")
	flagSet.BoolVar(&compress, "gzip", false, "gzip the meta file")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: zsyncmake [flags] FILE\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one target file required")
	}
	target := flagSet.Arg(0)
	if blockSize == 0 {
		blockSize = zsync.DefaultBlockSize
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	in, err := os.Open(target)
	if err != nil {
		return errors.Wrapf(err, "failed opening target")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed reading target")
	}

	if filename == "" {
		filename = filepath.Base(target)
	}
	if output == "" {
		output = filename + ".zsync"
		if compress {
			output += ".gz"
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return errors.Wrapf(err, "failed creating meta file")
	}

	opts := zsync.MakeOptions{
		BlockSize: blockSize,
		Filename:  filename,
		MTime:     info.ModTime(),
		URLs:      urls,
		Compress:  compress,
	}
	hl, err := zsync.WriteMetaFile(context.Background(), out, in, opts)
	if err != nil {
		out.Close()
		os.Remove(output)
		return err
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "failed writing meta file")
	}

	logger.Info().
		Str("meta_file", output).
		Int64("length", info.Size()).
		Int("blocksize", blockSize).
		Ints("hash_lengths", []int{hl.SeqMatches, hl.WeakBytes, hl.StrongBytes}).
		Msg("meta file written")
	return nil
}
