// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workqueue holds per-target execution jobs. Jobs are leased by pull,
// stay invisible for the visibility timeout, and are removed by ack. A job
// whose lease lapses without an ack becomes visible again.
package workqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLeaseNotFound = errors.New("lease not found")
	ErrInvalidItem   = errors.New("invalid work item")
)

// Item is one unit of work for one target.
type Item struct {
	Payload       []byte
	TenantID      uuid.UUID
	TraceID       uuid.UUID
	EventSourceID uuid.UUID
	TargetID      uuid.UUID
}

// Validate checks the routing ids are set.
func (i Item) Validate() error {
	if i.TenantID == uuid.Nil {
		return errors.Join(ErrInvalidItem, errors.New("tenant id is required"))
	}
	if i.TargetID == uuid.Nil {
		return errors.Join(ErrInvalidItem, errors.New("target id is required"))
	}
	return nil
}

// LeaseToken identifies one lease on one item.
type LeaseToken string

// Lease is a time-bounded claim on an item.
type Lease struct {
	Token      LeaseToken
	Item       Item
	Deliveries int
	ExpiresAt  time.Time
}

// Outcome is the processing result reported by Ack.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Enqueuer accepts work items.
type Enqueuer interface {
	Enqueue(ctx context.Context, item Item) error
}

// Client is the full work-queue contract used by dispatchers and executors.
type Client interface {
	Enqueuer

	// Pull leases the oldest visible item for target. It returns nil, nil
	// when there is nothing to do.
	Pull(ctx context.Context, target uuid.UUID) (*Lease, error)

	// Ack removes a leased item. OutcomeFailure items are kept in the dead
	// list for inspection.
	Ack(ctx context.Context, token LeaseToken, outcome Outcome) error
}
