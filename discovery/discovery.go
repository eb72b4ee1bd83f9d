// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package discovery resolves the set of analysis targets registered for a
// routing key (a tenant or an event source).
package discovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/dispatcher/cache"
	"github.com/google/uuid"
)

var (
	// ErrNotFound means the key has no registration at all.
	ErrNotFound = errors.New("no targets registered")
	// ErrUnavailable marks transient failures of the discovery backend.
	ErrUnavailable = errors.New("discovery backend unavailable")
)

// Resolver looks up the targets registered for key.
type Resolver interface {
	Resolve(ctx context.Context, key uuid.UUID) ([]uuid.UUID, error)
}

// IsRetryable reports whether a resolve error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Populate adapts a Resolver to a cache population function.
func Populate(r Resolver, logger *slog.Logger) cache.PopulateFunc[uuid.UUID, []uuid.UUID] {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, key uuid.UUID) cache.Population[[]uuid.UUID] {
		targets, err := r.Resolve(ctx, key)
		switch {
		case err == nil && len(targets) > 0:
			return cache.Found[[]uuid.UUID]{Value: distinct(targets)}
		case err == nil, errors.Is(err, ErrNotFound):
			logger.Warn("no targets registered for key", slog.String("key", key.String()))
			return cache.Empty[[]uuid.UUID]{}
		case IsRetryable(err):
			logger.Debug("target lookup failed, will retry",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
			return cache.Retryable[[]uuid.UUID]{Err: err}
		default:
			logger.Error("target lookup failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
			return cache.Fatal[[]uuid.UUID]{Err: err}
		}
	}
}

// distinct drops repeated ids, keeping first-seen order.
func distinct(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
