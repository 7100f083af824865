//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package fetcher

import (
	"context"
	"io"
	"os"
	"time"
)

// watchdog cancels its context when it has not been kicked for the
// configured timeout. A zero timeout disables it.
type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}
	return ctx, &watchdog{
		ctx:     ctx,
		cancel:  cancel,
		timer:   timer,
		timeout: timeout,
	}
}

func (wd *watchdog) Kick() {
	if wd.timeout > 0 {
		wd.timer.Reset(wd.timeout)
	}
}

// Expired reports whether the watchdog itself fired, as opposed to the
// parent context being cancelled.
func (wd *watchdog) Expired() bool {
	return context.Cause(wd.ctx) == os.ErrDeadlineExceeded
}

func (wd *watchdog) Cancel() {
	if wd.timeout > 0 {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}

// watchedReader kicks the watchdog every time data arrives.
type watchedReader struct {
	r  io.Reader
	wd *watchdog
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.wd.Kick()
	}
	if err != nil && err != io.EOF && w.wd.Expired() {
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}
