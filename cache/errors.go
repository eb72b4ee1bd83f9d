// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Get after Close.
	ErrClosed = errors.New("cache closed")

	// ErrRefreshQueueFull is the cause carried by a RetryableError when the
	// refresh queue is full and the full-queue policy is ErrorOnFull.
	ErrRefreshQueueFull = errors.New("refresh queue full")
)

// RetryableError is returned by Get when the last population for the key
// failed transiently. The caller should retry later.
type RetryableError struct {
	Key string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable cache error for key %s: %v", e.Key, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// FatalError is returned by Get when the last population for the key failed
// in a way retrying will not fix.
type FatalError struct {
	Key string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal cache error for key %s: %v", e.Key, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable cache error.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
