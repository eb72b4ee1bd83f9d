// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/absmach/dispatcher/envelope"
	"github.com/absmach/dispatcher/stream"
)

// Source yields envelopes in partition order.
type Source[T any] interface {
	// Next blocks for the next envelope. Per-message failures wrap
	// ErrTransport.
	Next(ctx context.Context) (envelope.Envelope[T], error)
	// Commit records that every envelope returned so far has been handled.
	Commit(ctx context.Context) error
}

// LogSource reads envelopes from one partition of a stream log.
type LogSource[T any] struct {
	consumer *stream.Consumer
	codec    envelope.Codec[T]
}

var _ Source[[]byte] = (*LogSource[[]byte])(nil)

func NewLogSource[T any](consumer *stream.Consumer, codec envelope.Codec[T]) *LogSource[T] {
	return &LogSource[T]{consumer: consumer, codec: codec}
}

func (s *LogSource[T]) Next(ctx context.Context) (envelope.Envelope[T], error) {
	rec, err := s.consumer.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return envelope.Envelope[T]{}, err
		}
		return envelope.Envelope[T]{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	env, err := envelope.Decode(rec.Value, s.codec)
	if err != nil {
		return envelope.Envelope[T]{}, fmt.Errorf("%w: offset %d: %w", ErrTransport, rec.Offset, err)
	}

	return env, nil
}

func (s *LogSource[T]) Commit(ctx context.Context) error {
	return s.consumer.Commit(ctx)
}
