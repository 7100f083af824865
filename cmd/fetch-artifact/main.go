//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"

	"go.bug.st/fetcher/artifact"
	"go.bug.st/fetcher/blobsource"
	"go.bug.st/fetcher/internal/config"
	"go.bug.st/fetcher/internal/tui"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitInterrupted  = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("fetch-artifact", flag.ContinueOnError)

	configFlag := fs.String("config", "", "Path to YAML config file")
	urlFlag := fs.String("url", "", "Locator of a single artifact to fetch (http, https, file, s3, gs)")
	outputFlag := fs.String("output", "", "Destination file for -url")
	decompressFlag := fs.Bool("decompress", false, "Gunzip the artifact fetched with -url")
	forceFlag := fs.Bool("force", false, "Fetch artifacts even if a local copy is present")
	tuiFlag := fs.Bool("tui", false, "Show an interactive status view")
	verboseFlag := fs.Bool("verbose", false, "Show debug output")

	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), `Usage: fetch-artifact [options]

Keep a set of remote artifacts available in a local data directory,
fetching the ones that are missing or empty.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected argument %q\n", fs.Arg(0))
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configFlag, *urlFlag, *outputFlag, *decompressFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if *verboseFlag {
		cfg.LogLevel = slog.LevelDebug
	}

	var logOut io.Writer = os.Stderr
	var tuiLogs *lockedBuffer
	if *tuiFlag {
		// the status view owns the terminal, logs are printed when it exits
		tuiLogs = &lockedBuffer{}
		logOut = tuiLogs
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))

	fetcherConfig := cfg.FetcherConfig()
	blobsource.New().Register(&fetcherConfig)

	services := make([]*artifact.Service, 0, len(cfg.Artifacts))
	for _, a := range cfg.Artifacts {
		services = append(services, artifact.New(cfg.DataDir, a.Name, a.URL,
			artifact.WithConfig(fetcherConfig),
			artifact.WithDecompress(a.Decompress),
			artifact.WithForce(*forceFlag),
			artifact.WithLogger(logger),
			artifact.WithShutdownGrace(cfg.ShutdownGrace),
		))
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	code := fetchAll(ctx, cancel, services, logger, *tuiFlag)
	shutdownAll(services)
	if tuiLogs != nil {
		_, _ = tuiLogs.WriteTo(os.Stderr)
	}
	return code
}

// loadConfig builds the configuration from the config file, the environment
// and the single-artifact flags, in this order.
func loadConfig(path, url, output string, decompress bool) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	switch {
	case url != "" && output == "":
		return config.Config{}, errors.New("-output is required with -url")
	case url == "" && output != "":
		return config.Config{}, errors.New("-url is required with -output")
	case url != "":
		cfg.DataDir = filepath.Dir(output)
		cfg.Artifacts = []config.Artifact{{
			Name:       filepath.Base(output),
			URL:        url,
			Decompress: decompress,
		}}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func fetchAll(ctx context.Context, cancel func(), services []*artifact.Service, logger *slog.Logger, showTUI bool) int {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			if err := svc.Load(); err != nil {
				return err
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			return svc.Enable(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("failed to enable artifacts", "err", err)
		if ctx.Err() != nil {
			return ExitInterrupted
		}
		return ExitGeneralError
	}

	if showTUI {
		items := make([]tui.Item, 0, len(services))
		for _, svc := range services {
			items = append(items, svc)
		}
		cancelled, err := tui.Run(ctx, items, cancel)
		if err != nil && ctx.Err() == nil {
			logger.Error("status view failed", "err", err)
		}
		if cancelled {
			cancel()
		}
	}

	var waits errgroup.Group
	for _, svc := range services {
		waits.Go(func() error {
			if err := svc.Wait(ctx); err != nil {
				return fmt.Errorf("%s: %w", svc.Name(), err)
			}
			logger.Info("artifact ready", "artifact", svc.Name(), "path", svc.Path())
			return nil
		})
	}
	err := waits.Wait()
	switch {
	case ctx.Err() != nil:
		logger.Warn("interrupted, cancelling fetches")
		return ExitInterrupted
	case err != nil:
		logger.Error("artifact not available", "err", err)
		return ExitGeneralError
	}
	return ExitSuccess
}

func shutdownAll(services []*artifact.Service) {
	var g errgroup.Group
	for _, svc := range services {
		g.Go(func() error {
			svc.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}

// lockedBuffer is a bytes.Buffer safe for concurrent use.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteTo(w)
}
