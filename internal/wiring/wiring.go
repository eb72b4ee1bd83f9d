// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring maps configuration onto component settings and builds the
// pluggable backends.
package wiring

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/dispatcher/cache"
	"github.com/absmach/dispatcher/config"
	"github.com/absmach/dispatcher/discovery"
	"github.com/absmach/dispatcher/dispatch"
	"github.com/absmach/dispatcher/workqueue"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var ErrUnknownDiscovery = errors.New("unknown discovery type")

// NewResolver builds the discovery backend selected by cfg. The returned
// close function releases backend connections and is never nil.
func NewResolver(cfg config.DiscoveryConfig, logger *slog.Logger) (discovery.Resolver, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case "static":
		r, err := discovery.NewStaticResolver(cfg.Static)
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil

	case "http":
		r, err := discovery.NewHTTPResolver(discovery.HTTPConfig{
			URL:              cfg.HTTP.URL,
			Timeout:          cfg.Timeout,
			RateLimit:        cfg.HTTP.RateLimit,
			Burst:            cfg.HTTP.Burst,
			FailureThreshold: cfg.HTTP.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.HTTP.CircuitBreaker.ResetTimeout,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil

	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create etcd client: %w", err)
		}
		return discovery.NewEtcdResolver(client, cfg.Etcd.Prefix, cfg.Timeout), client.Close, nil

	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownDiscovery, cfg.Type)
	}
}

// CacheConfig maps the cache section.
func CacheConfig(cfg config.CacheConfig) cache.Config {
	return cache.Config{
		Capacity:   cfg.Capacity,
		TTL:        cfg.TTL,
		Workers:    cfg.RefreshPoolSize,
		QueueDepth: cfg.RefreshQueueDepth,
		FullPolicy: cache.FullPolicy(cfg.RefreshFullPolicy),
	}
}

// DispatchConfig maps the dispatcher section for the loop called name.
func DispatchConfig(name string, cfg config.DispatcherConfig) dispatch.Config {
	return dispatch.Config{
		Name:           name,
		WorkerPoolSize: cfg.WorkerPoolSize,
		RouteBy:        dispatch.RouteBy(cfg.RouteBy),
		OnEnqueueFail:  dispatch.EnqueueFailurePolicy(cfg.EnqueueFailurePolicy),
	}
}

// WorkQueueConfig maps the workqueue section.
func WorkQueueConfig(cfg config.WorkQueueConfig) workqueue.Config {
	return workqueue.Config{
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.Retention,
	}
}
