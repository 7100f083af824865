//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Task.
type State int

const (
	// StatePending is the state of a task that has not been run yet.
	StatePending State = iota
	// StateRunning is the state of a task between the start of Run and the
	// publication of its outcome.
	StateRunning
	// StateSucceeded means the destination holds a complete copy of the source.
	StateSucceeded
	// StateFailed means an error stopped the task. The destination is absent or empty.
	StateFailed
	// StateCancelled means the task was cancelled. The destination is absent or empty.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is one of the final states.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Task is a cancellable fetch of a remote resource into a local file.
//
// A Task is run at most once. Every exported method except Run is safe
// to call from any goroutine while Run is in progress.
type Task struct {
	Destination string
	Locator     string
	Decompress  bool
	// Done is closed when the task has released all its resources and
	// its outcome is final.
	Done chan struct{}

	config  Config
	started atomic.Bool

	// status block, shared with the supervisor
	mu              sync.Mutex
	state           State
	failed          bool
	cancelled       bool
	cancelRequested bool
	committed       bool
	done            bool
	errs            []error

	// resources, owned by Run
	out *os.File
	src io.ReadCloser
	dec io.ReadCloser
	in  io.Reader
}

// New returns a fetch task that will copy the resource at locator into
// the destination file, using the default configuration.
func New(destination, locator string, decompress bool) *Task {
	return NewWithConfig(destination, locator, decompress, GetDefaultConfig())
}

// NewWithConfig returns a fetch task that will copy the resource at
// locator into the destination file. Nothing is opened until Run is called.
func NewWithConfig(destination, locator string, decompress bool, config Config) *Task {
	return &Task{
		Destination: destination,
		Locator:     locator,
		Decompress:  decompress,
		Done:        make(chan struct{}),
		config:      config,
	}
}

// Run executes the task and blocks until it reaches a terminal state. It
// is meant to be run in a dedicated goroutine. The returned error joins
// every error recorded during the run, nil means success.
//
// Cancelling ctx has the same effect as RequestCancel, except that an
// in-flight network read may be interrupted as well.
//
// Run executes at most once: further calls return ErrAlreadyStarted.
func (t *Task) Run(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()

	srcCtx, wd := newWatchdog(ctx, t.config.InactivityTimeout)
	t.acquire(ctx, srcCtx, wd)
	t.copy(ctx)
	t.cleanup(wd)
	t.finish()
	return t.Err()
}

func (t *Task) acquire(ctx, srcCtx context.Context, wd *watchdog) {
	if t.stopRequested(ctx) {
		return
	}

	f, err := os.OpenFile(t.Destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.fail(KindDestinationOpen, "opening destination for writing", err)
		return
	}
	t.out = f

	if t.stopRequested(ctx) {
		return
	}

	s, u, err := resolveSource(&t.config, t.Locator)
	if err != nil {
		t.fail(KindSourceOpen, "resolving locator", err)
		return
	}
	src, err := s.Open(srcCtx, u)
	if err != nil {
		if ctx.Err() != nil {
			t.cancelledBy(ctx, "opening source")
		} else {
			t.fail(KindSourceOpen, "opening "+u.Redacted(), err)
		}
		return
	}
	t.src = src

	var in io.Reader = &watchedReader{r: src, wd: wd}
	if t.Decompress {
		dec, err := gzip.NewReader(in)
		if err != nil {
			t.fail(KindSourceOpen, "setting up gzip decoder", err)
			return
		}
		t.dec = dec
		in = dec
	}
	t.in = in
}

func (t *Task) copy(ctx context.Context) {
	if t.in == nil {
		return
	}

	buf := make([]byte, t.config.chunkSize())
	for {
		if t.stopRequested(ctx) {
			return
		}

		n, err := readChunk(t.in, buf)
		if err != nil && err != io.EOF {
			if ctx.Err() != nil {
				t.cancelledBy(ctx, "reading source")
			} else {
				t.fail(KindCopy, "reading source", err)
			}
			return
		}
		if werr := writeFull(t.out, buf[:n]); werr != nil {
			t.fail(KindCopy, "writing destination", werr)
			return
		}
		if err != nil {
			// end of stream
			return
		}
	}
}

// readChunk fills buf from r. Unlike io.ReadFull it returns io.EOF only
// when r itself reports a clean end of stream, so a truncated stream
// (io.ErrUnexpectedEOF from the reader) is an error.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// writeFull writes p entirely, looping over short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (t *Task) cleanup(wd *watchdog) {
	t.mu.Lock()
	t.committed = true
	failed := t.failed
	t.mu.Unlock()

	if failed {
		if t.out != nil {
			if err := t.out.Truncate(0); err != nil {
				t.cleanupFailed("truncating destination", err)
			}
		}
		if t.out != nil || isRegularFile(t.Destination) {
			if err := os.Remove(t.Destination); err != nil && !errors.Is(err, fs.ErrNotExist) {
				t.cleanupFailed("removing destination", err)
			}
		}
	}

	if t.dec != nil {
		if err := t.dec.Close(); err != nil {
			t.cleanupFailed("closing gzip decoder", err)
		}
	}
	if t.src != nil {
		if err := t.src.Close(); err != nil {
			t.cleanupFailed("closing source", err)
		}
	}
	wd.Cancel()
	if t.out != nil {
		if err := t.out.Close(); err != nil {
			t.cleanupFailed("closing destination", err)
		}
	}
}

func isRegularFile(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func (t *Task) finish() {
	t.mu.Lock()
	switch {
	case t.cancelled:
		t.state = StateCancelled
	case t.failed:
		t.state = StateFailed
	default:
		t.state = StateSucceeded
	}
	t.done = true
	t.mu.Unlock()
	close(t.Done)
}

// stopRequested is the cooperative cancellation point of the task.
func (t *Task) stopRequested(ctx context.Context) bool {
	t.mu.Lock()
	failed := t.failed
	t.mu.Unlock()
	if failed {
		return true
	}
	if ctx.Err() != nil {
		t.cancelledBy(ctx, "checking for cancellation")
		return true
	}
	return false
}

func (t *Task) cancelledBy(ctx context.Context, op string) {
	t.fail(KindCancelled, op, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
}

// fail records err. The first failure decides the outcome of the task.
func (t *Task) fail(kind ErrorKind, op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(kind, op, err)
}

func (t *Task) failLocked(kind ErrorKind, op string, err error) {
	if kind == KindCancelled {
		if t.cancelRequested {
			return
		}
		t.cancelRequested = true
	}
	t.errs = append(t.errs, &Error{Kind: kind, Op: op, Err: err})
	if !t.failed {
		t.failed = true
		t.cancelled = kind == KindCancelled
	}
}

// cleanupFailed records err without changing the outcome of the task.
func (t *Task) cleanupFailed(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, &Error{Kind: KindCleanup, Op: op, Err: err})
}

// RequestCancel asks the task to stop. It can be called at any time from
// any goroutine and returns immediately: the task stops at its next
// cancellation point, copying at most one more chunk. If the task is
// already past its last cancellation point, or has finished, the call has
// no effect. Repeated calls are ignored.
func (t *Task) RequestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return
	}
	t.failLocked(KindCancelled, "cancel requested", ErrCancelled)
}

// HasFinished returns true once all resources have been released and the
// outcome of the task is final.
func (t *Task) HasFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// HasFailed returns true if a failure or a cancellation has been recorded.
// It is always true for a task that finished in StateFailed or
// StateCancelled.
func (t *Task) HasFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// State returns the current state of the task.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Errors returns the errors recorded by the task. The second return value
// is false, and the slice nil, until the task has finished. A finished
// task that succeeded returns an empty, non-nil slice.
func (t *Task) Errors() ([]error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		return nil, false
	}
	return append([]error{}, t.errs...), true
}

// Err returns the recorded errors joined together, nil if the task
// succeeded, or ErrNotFinished if the task is still running.
func (t *Task) Err() error {
	errs, ok := t.Errors()
	if !ok {
		return ErrNotFinished
	}
	return errors.Join(errs...)
}

// Wait blocks until the task has finished or the timeout expires. It
// returns true if the task has finished.
func (t *Task) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done:
		return true
	case <-timer.C:
		return t.HasFinished()
	}
}

// RunAndPoll runs the task in a goroutine and calls the poll function
// every interval time with the current state, and once more with the
// terminal state.
func (t *Task) RunAndPoll(ctx context.Context, poll func(State), interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	res := make(chan error, 1)
	go func() { res <- t.Run(ctx) }()
	for {
		select {
		case <-ticker.C:
			poll(t.State())
		case err := <-res:
			poll(t.State())
			return err
		}
	}
}
