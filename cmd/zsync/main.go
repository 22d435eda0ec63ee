// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// zsync rebuilds the target described by a .zsync meta file from local seed
// files. Blocks that cannot be found locally are listed so they can be
// fetched from one of the target's URLs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/c4milo/zsync"
)

// exitIncomplete is returned when the target could not be fully recovered from the seeds.
const exitIncomplete = 2

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	if err := run(os.Args[1:]); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(code)
	}
}

func run(args []string) error {
	var (
		seeds       []string
		output      string
		verbose     bool
		profileMode string
		profileDir  string
	)

	flagSet := pflag.NewFlagSet("zsync", pflag.ContinueOnError)
	flagSet.StringSliceVarP(&seeds, "input", "i", nil, "seed file to take blocks from (repeatable)")
	flagSet.StringVarP(&output, "output", "o", "", "path of the reconstructed target (default: filename from the meta file)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	flagSet.StringVar(&profileMode, "profile", "", "write a cpu or mem profile")
	flagSet.StringVar(&profileDir, "profile-path", ".", "directory profiles are written to")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if flagSet.NArg() == 0 {
		printUsage(flagSet)
		return nil
	}
	if flagSet.NArg() > 1 {
		return errors.Errorf("unexpected argument: %s", flagSet.Arg(1))
	}
	metaPath := flagSet.Arg(0)

	switch profileMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(profileDir), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(profileDir), profile.Quiet).Stop()
	default:
		return errors.Errorf("unknown profile mode %q", profileMode)
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	outDir := "."
	if output != "" {
		outDir = filepath.Dir(output)
	}

	client := zsync.NewClient(zsync.WithLogger(logger), zsync.WithTempDir(outDir))
	defer client.Close()

	if err := client.LoadMetaFile(metaPath); err != nil {
		return errors.Wrapf(err, "cannot parse zsync meta file %s", metaPath)
	}

	if output == "" {
		output = filepath.Base(client.Table().Filename)
		if output == "." || output == string(filepath.Separator) {
			output = "zsync.out"
		}
	}

	// An older copy of the target is usually the best seed there is.
	if _, err := os.Stat(output); err == nil {
		seeds = append([]string{output}, seeds...)
	}

	for _, seed := range seeds {
		if _, err := client.SubmitSeedFile(ctx, seed); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Warn().Err(err).Str("seed", seed).Msg("seed skipped")
			continue
		}
		if client.Complete() {
			break
		}
	}

	if !client.Complete() {
		partial := output + ".part"
		if err := os.Rename(client.OutputPath(), partial); err != nil {
			return errors.Wrapf(err, "failed saving partial target")
		}
		holes := client.Holes()
		return &exitError{
			code: exitIncomplete,
			err: errors.Errorf("%d of %d blocks missing, partial target saved to %s (fetch from %v)",
				len(holes), client.Table().NumBlocks, partial, client.Table().URLs),
		}
	}

	if err := client.Verify(); err != nil {
		return err
	}
	if err := os.Rename(client.OutputPath(), output); err != nil {
		return errors.Wrapf(err, "failed saving target")
	}

	logger.Info().Str("target", output).Msg("target reconstructed and verified")
	return nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: zsync [flags] PATH_TO_ZSYNC_META_FILE\n\nFlags:\n%s", flagSet.FlagUsages())
}
