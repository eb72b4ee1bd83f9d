// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// StaticResolver serves a fixed key to targets table.
type StaticResolver struct {
	targets map[uuid.UUID][]uuid.UUID
}

// NewStaticResolver parses a table of string ids.
func NewStaticResolver(table map[string][]string) (*StaticResolver, error) {
	targets := make(map[uuid.UUID][]uuid.UUID, len(table))
	for k, ids := range table {
		key, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("invalid key %q: %w", k, err)
		}
		parsed := make([]uuid.UUID, 0, len(ids))
		for _, id := range ids {
			t, err := uuid.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("invalid target %q for key %s: %w", id, k, err)
			}
			parsed = append(parsed, t)
		}
		targets[key] = parsed
	}
	return &StaticResolver{targets: targets}, nil
}

func (r *StaticResolver) Resolve(_ context.Context, key uuid.UUID) ([]uuid.UUID, error) {
	ids, ok := r.targets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(ids), nil
}
