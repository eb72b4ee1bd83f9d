// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the tenant-scoped message wrapper carried on the
// source log and the retry channel, together with its wire format.
package envelope

import "github.com/google/uuid"

// Envelope wraps a payload with the routing metadata every pipeline stage needs.
// Envelopes are immutable once produced.
type Envelope[T any] struct {
	TenantID      uuid.UUID
	TraceID       uuid.UUID
	EventSourceID uuid.UUID
	Payload       T
}

// New creates an envelope.
func New[T any](tenantID, traceID, eventSourceID uuid.UUID, payload T) Envelope[T] {
	return Envelope[T]{
		TenantID:      tenantID,
		TraceID:       traceID,
		EventSourceID: eventSourceID,
		Payload:       payload,
	}
}

// Codec (de)serializes envelope payloads.
type Codec[T any] interface {
	Marshal(payload T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Raw passes opaque payload bytes through unchanged.
type Raw struct{}

var _ Codec[[]byte] = Raw{}

func (Raw) Marshal(payload []byte) ([]byte, error) {
	return payload, nil
}

func (Raw) Unmarshal(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
