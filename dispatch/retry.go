// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/absmach/dispatcher/envelope"
	"github.com/absmach/dispatcher/stream"
)

// Retrier hands a message over to delayed redelivery.
type Retrier[T any] interface {
	Route(ctx context.Context, env envelope.Envelope[T]) error
}

// Sender publishes a keyed record.
type Sender interface {
	Send(ctx context.Context, key, value []byte) (stream.Record, error)
}

// RetryRouter republishes envelopes, unmodified, to the retry topic. The
// delay before redelivery belongs to the retry topic's consumer.
type RetryRouter[T any] struct {
	sender Sender
	codec  envelope.Codec[T]
}

var _ Retrier[[]byte] = (*RetryRouter[[]byte])(nil)

func NewRetryRouter[T any](sender Sender, codec envelope.Codec[T]) *RetryRouter[T] {
	return &RetryRouter[T]{sender: sender, codec: codec}
}

func (r *RetryRouter[T]) Route(ctx context.Context, env envelope.Envelope[T]) error {
	data, err := envelope.Encode(env, r.codec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	if _, err := r.sender.Send(ctx, env.TenantID[:], data); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryPublish, err)
	}

	return nil
}
