//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acycl/weakmap"

	"go.bug.st/fetcher"
)

// DefaultShutdownGrace is how long Shutdown waits for a cancelled fetch.
const DefaultShutdownGrace = time.Second

var (
	// ErrNotReady is returned by Open when the artifact is not available.
	ErrNotReady = errors.New("artifact not ready")
	// ErrBusy is returned by Enable when another service is already
	// fetching into the same file.
	ErrBusy = errors.New("artifact file is being fetched by another service")
)

// slots holds one single-token semaphore per destination file.
var slots = weakmap.Map[string, chan struct{}]{
	New: func(string) *chan struct{} {
		slot := make(chan struct{}, 1)
		return &slot
	},
}

// Scheduler runs fetch tasks off the caller's goroutine.
type Scheduler interface {
	Schedule(run func())
}

// SchedulerFunc adapts an ordinary function to the Scheduler interface.
type SchedulerFunc func(run func())

// Schedule calls f(run).
func (f SchedulerFunc) Schedule(run func()) { f(run) }

// GoScheduler runs every task in a new goroutine.
var GoScheduler Scheduler = SchedulerFunc(func(run func()) { go run() })

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used to report fetch outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithConfig sets the configuration of the fetch task.
func WithConfig(c fetcher.Config) Option {
	return func(s *Service) { s.config = c }
}

// WithDecompress sets whether the remote file is gzip-compressed.
func WithDecompress(decompress bool) Option {
	return func(s *Service) { s.decompress = decompress }
}

// WithScheduler sets the scheduler used to run the fetch task.
func WithScheduler(sched Scheduler) Option {
	return func(s *Service) { s.scheduler = sched }
}

// WithShutdownGrace sets how long Shutdown waits for a cancelled fetch.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Service) { s.grace = d }
}

// WithForce makes Enable fetch the artifact even if a copy is present.
func WithForce(force bool) Option {
	return func(s *Service) { s.force = force }
}

// Service manages the local copy of a remote artifact. It is safe for
// concurrent use.
type Service struct {
	dir        string
	name       string
	locator    string
	path       string
	config     fetcher.Config
	decompress bool
	force      bool
	logger     *slog.Logger
	scheduler  Scheduler
	grace      time.Duration

	mu      sync.Mutex
	ready   bool
	closed  bool
	readyCh chan struct{}
	task    *fetcher.Task
	logOnce *sync.Once
	handles map[*os.File]struct{}
}

// New creates a service for the artifact name inside dir, fetched from
// locator when missing.
func New(dir, name, locator string, opts ...Option) *Service {
	s := &Service{
		dir:       dir,
		name:      name,
		locator:   locator,
		path:      filepath.Join(dir, name),
		config:    fetcher.GetDefaultConfig(),
		logger:    slog.Default(),
		scheduler: GoScheduler,
		grace:     DefaultShutdownGrace,
		readyCh:   make(chan struct{}),
		handles:   map[*os.File]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("artifact", name)
	return s
}

// Name returns the file name of the artifact.
func (s *Service) Name() string { return s.name }

// Path returns the path of the artifact file.
func (s *Service) Path() string { return s.path }

// Locator returns the remote location of the artifact.
func (s *Service) Locator() string { return s.locator }

// Task returns the last fetch task scheduled by Enable, or nil.
func (s *Service) Task() *fetcher.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// Load makes sure the data directory exists and is a readable directory.
func (s *Service) Load() error {
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			s.logger.Error("failed to create data directory", "dir", s.dir, "err", err)
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	if err := checkDir(s.dir); err != nil {
		s.logger.Error("data directory unusable", "dir", s.dir, "err", err)
		return err
	}
	return nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("checking data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s is not a directory", dir)
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("data directory %s is not readable: %w", dir, err)
	}
	return d.Close()
}

// Enable makes the artifact available. If the file is present and not
// empty the service becomes ready immediately, otherwise a fetch task is
// scheduled and the service becomes ready when it succeeds.
//
// The values of ctx are passed to the fetch, but its cancellation is not:
// use Shutdown to stop a running fetch.
func (s *Service) Enable(ctx context.Context) error {
	if err := checkDir(s.dir); err != nil {
		// already reported by Load
		return err
	}

	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	info, err := os.Stat(s.path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		s.logger.Error("artifact is not a file", "path", s.path)
		return fmt.Errorf("artifact %s is not a regular file", s.path)
	case err == nil && info.Size() > 0 && !s.force:
		f, err := os.Open(s.path)
		if err != nil {
			s.logger.Error("artifact is not readable", "path", s.path, "err", err)
			return fmt.Errorf("opening artifact: %w", err)
		}
		f.Close()
		s.setReady()
		return nil
	case err == nil:
		reason := "empty file"
		if s.force {
			reason = "forced"
		}
		s.logger.Info("fetching artifact", "path", s.path, "locator", s.locator, "reason", reason)
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("artifact not found, fetching", "path", s.path, "locator", s.locator)
	default:
		return fmt.Errorf("checking artifact: %w", err)
	}
	return s.fetch(context.WithoutCancel(ctx))
}

func (s *Service) fetch(ctx context.Context) error {
	key := s.path
	if abs, err := filepath.Abs(s.path); err == nil {
		key = abs
	}
	slot := slots.Load(key)
	select {
	case *slot <- struct{}{}:
	default:
		return fmt.Errorf("%w: %s", ErrBusy, s.path)
	}

	task := fetcher.NewWithConfig(s.path, s.locator, s.decompress, s.config)
	once := &sync.Once{}
	s.mu.Lock()
	s.task = task
	s.logOnce = once
	s.mu.Unlock()

	s.scheduler.Schedule(func() {
		// Use *slot so the weak map entry stays alive while the token is held.
		defer func() { <-*slot }()
		_ = task.Run(ctx)
		s.fetchDone(task, once)
	})
	return nil
}

func (s *Service) fetchDone(task *fetcher.Task, once *sync.Once) {
	s.logErrors(task, once)
	if task.HasFailed() {
		return
	}
	s.logger.Info("artifact fetched", "path", s.path)
	s.setReady()
}

func (s *Service) logErrors(task *fetcher.Task, once *sync.Once) {
	errs, ok := task.Errors()
	if !ok {
		return
	}
	once.Do(func() {
		for _, err := range errs {
			kind, _ := fetcher.KindOf(err)
			if kind == fetcher.KindCancelled {
				s.logger.Warn("fetch cancelled", "err", err)
				continue
			}
			s.logger.Error("fetch error", "kind", kind.String(), "err", err)
		}
	})
}

func (s *Service) setReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ready {
		return
	}
	s.ready = true
	close(s.readyCh)
}

// Shutdown cancels a running fetch, waits for it up to the grace period
// and closes every handle returned by Open. A fetch that does not stop in
// time is reported and left to terminate on its own.
func (s *Service) Shutdown() {
	s.mu.Lock()
	task, once := s.task, s.logOnce
	s.mu.Unlock()

	if task != nil {
		task.RequestCancel()
		if !task.Wait(s.grace) {
			s.logger.Warn("fetch task hasn't terminated in time", "grace", s.grace)
		} else {
			s.logErrors(task, once)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for f := range s.handles {
		_ = f.Close()
	}
	clear(s.handles)
	if s.ready {
		s.readyCh = make(chan struct{})
	}
	s.ready = false
	s.closed = true
}

// IsReady returns true if the artifact can be opened.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// WaitTillReady blocks until the artifact is ready or the timeout expires.
// It returns true if the artifact is ready.
func (s *Service) WaitTillReady(timeout time.Duration) bool {
	s.mu.Lock()
	ready, ch := s.ready, s.readyCh
	s.mu.Unlock()
	if ready {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return s.IsReady()
	}
}

// Wait blocks until the artifact is ready, the fetch fails, or ctx is
// done. It returns nil if the artifact is ready.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	ready, ch, task := s.ready, s.readyCh, s.task
	s.mu.Unlock()
	if ready {
		return nil
	}
	if task == nil {
		return ErrNotReady
	}

	select {
	case <-ch:
		return nil
	case <-task.Done:
		if task.State() != fetcher.StateSucceeded {
			return task.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// the fetch succeeded, the service becomes ready right after
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open opens the artifact for reading. The handle must be released with
// Close; handles still open at Shutdown are closed.
func (s *Service) Open() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, ErrNotReady
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	s.handles[f] = struct{}{}
	return f, nil
}

// Close releases a handle returned by Open. Handles not returned by Open,
// or already released, are ignored.
func (s *Service) Close(f *os.File) error {
	s.mu.Lock()
	_, ok := s.handles[f]
	delete(s.handles, f)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}
