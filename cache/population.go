// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

// Population is the result of one upstream lookup. It is a closed set:
// Found, Empty, Retryable and Fatal are the only implementations.
type Population[V any] interface {
	population()
}

// Found carries a resolved value. It is cached.
type Found[V any] struct {
	Value V
}

// Empty is an explicit "nothing registered" resolution. It is cached as the
// zero value of V so that repeated lookups for the key are avoided.
type Empty[V any] struct{}

// Retryable reports a transient lookup failure (network or I/O class).
type Retryable[V any] struct {
	Err error
}

// Fatal reports a lookup failure that retrying will not fix.
type Fatal[V any] struct {
	Err error
}

func (Found[V]) population()     {}
func (Empty[V]) population()     {}
func (Retryable[V]) population() {}
func (Fatal[V]) population()     {}
