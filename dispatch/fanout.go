// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/absmach/dispatcher/workqueue"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// fanOut enqueues one copy of tmpl per target, all at once. After the first
// failure no further enqueues are started, but calls already in flight run
// to completion with the caller's context.
func fanOut(ctx context.Context, q workqueue.Enqueuer, tmpl workqueue.Item, targets []uuid.UUID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(targets))

	for _, target := range targets {
		item := tmpl
		item.TargetID = target

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := q.Enqueue(ctx, item); err != nil {
				return fmt.Errorf("target %s: %w", target, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
