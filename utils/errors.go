// elSim: streaming BAM/BGZF encoding and BAI indexing.
// Copyright (c) 2017-2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elsim/blob/master/LICENSE.txt>.

package utils

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ErrPrecondition marks programming errors, such as duplicating a
// stream state machine in the middle of a block, or finishing an index
// before all declared reference sequences have been flushed. They are
// not recoverable data errors.
var ErrPrecondition = errors.New("precondition violated")

// Preconditionf returns an assertion failure marked as ErrPrecondition.
func Preconditionf(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrPrecondition)
}

// IOError reports a failed write to (or read from) an output sink.
// Errno is the underlying system error code, or 0 if the failure did
// not originate from a system call.
type IOError struct {
	Op    string
	Err   error
	Errno unix.Errno
}

// NewIOError wraps err as an *IOError for the given operation. It
// returns nil when err is nil.
func NewIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	result := &IOError{Op: op, Err: err}
	var errno unix.Errno
	if errors.As(err, &errno) {
		result.Errno = errno
	}
	return result
}

func (e *IOError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%v: %v (errno %d)", e.Op, e.Err, int(e.Errno))
	}
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}
