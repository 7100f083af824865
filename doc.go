//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package fetcher provides a cancellable background task that streams a
// remote resource, optionally gzip-compressed, into a local file.
//
// A Task is created with New or NewWithConfig and executed once with Run,
// usually in its own goroutine. The supervisor observes it through
// HasFinished, HasFailed, State and Errors, and may stop it at any time with
// RequestCancel.
//
// Cancellation is cooperative: it is checked once before every chunk is
// copied, so a cancelled task copies at most one more chunk before it stops.
// A task that fails or is cancelled never leaves a partially written
// destination behind: the file is truncated and removed before the task
// reports that it has finished.
package fetcher
