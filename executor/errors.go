// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
)

var (
	ErrPull = errors.New("unable to get new work")
	ErrAck  = errors.New("unable to acknowledge work")
)

// RetriableError marks a processing failure that should be redelivered.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string {
	return "retriable: " + e.Err.Error()
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

// PermanentError marks a processing failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Retriable wraps err as a retriable processing failure.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// Permanent wraps err as a permanent processing failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetriable reports whether a processing error should leave the item for
// redelivery. Errors that are neither marked retriable nor timeouts are
// permanent.
func IsRetriable(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var re *RetriableError
	return errors.As(err, &re) || errors.Is(err, context.DeadlineExceeded)
}
