//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package fetcher

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks a task stopped by RequestCancel or by the
	// cancellation of the context passed to Run.
	ErrCancelled = errors.New("fetch cancelled")
	// ErrAlreadyStarted is returned by Run when the task has already been run.
	ErrAlreadyStarted = errors.New("fetch task already started")
	// ErrNotFinished is returned by Err while the task is still running.
	ErrNotFinished = errors.New("fetch task not finished")
)

// ErrorKind classifies the failures recorded by a Task.
type ErrorKind int

const (
	// KindDestinationOpen is a failure to open the destination file.
	KindDestinationOpen ErrorKind = iota
	// KindSourceOpen is a failure to resolve or open the source stream,
	// including the setup of the gzip decoder.
	KindSourceOpen
	// KindCopy is a read or write failure in the middle of the transfer.
	KindCopy
	// KindCancelled marks a cancellation request.
	KindCancelled
	// KindCleanup is a failure to truncate, remove or close a resource.
	// It never changes the outcome of the task.
	KindCleanup
)

func (k ErrorKind) String() string {
	switch k {
	case KindDestinationOpen:
		return "destination open"
	case KindSourceOpen:
		return "source open"
	case KindCopy:
		return "copy"
	case KindCancelled:
		return "cancelled"
	case KindCleanup:
		return "cleanup"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a failure recorded by a Task.
type Error struct {
	Kind ErrorKind
	// Op is a short description of the operation that failed.
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
