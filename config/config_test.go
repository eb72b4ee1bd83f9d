// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Dispatcher.WorkerPoolSize != 16 {
		t.Errorf("expected worker pool size 16, got %d", cfg.Dispatcher.WorkerPoolSize)
	}
	if cfg.Cache.RefreshFullPolicy != "drop" {
		t.Errorf("expected refresh full policy drop, got %s", cfg.Cache.RefreshFullPolicy)
	}
	if cfg.Dispatcher.EnqueueFailurePolicy != "abort" {
		t.Errorf("expected enqueue failure policy abort, got %s", cfg.Dispatcher.EnqueueFailurePolicy)
	}
	if cfg.Executors.PollDelay != time.Second {
		t.Errorf("expected poll delay 1s, got %v", cfg.Executors.PollDelay)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "retry topic equals source topic",
			modify: func(c *Config) {
				c.Retry.Topic = c.Source.Topic
			},
			wantErr: true,
		},
		{
			name: "ingest rate limit without burst",
			modify: func(c *Config) {
				c.Server.IngestRateLimit = 10
				c.Server.IngestBurst = 0
			},
			wantErr: true,
		},
		{
			name: "ingest rate limit with burst",
			modify: func(c *Config) {
				c.Server.IngestRateLimit = 10
				c.Server.IngestBurst = 20
			},
			wantErr: false,
		},
		{
			name: "ingest tls cert without key",
			modify: func(c *Config) {
				c.Server.IngestTLS.CertFile = "/etc/dispatcher/cert.pem"
			},
			wantErr: true,
		},
		{
			name: "ingest tls cert and key",
			modify: func(c *Config) {
				c.Server.IngestTLS.CertFile = "/etc/dispatcher/cert.pem"
				c.Server.IngestTLS.KeyFile = "/etc/dispatcher/key.pem"
			},
			wantErr: false,
		},
		{
			name: "zero worker pool",
			modify: func(c *Config) {
				c.Dispatcher.WorkerPoolSize = 0
			},
			wantErr: true,
		},
		{
			name: "unknown route",
			modify: func(c *Config) {
				c.Dispatcher.RouteBy = "region"
			},
			wantErr: true,
		},
		{
			name: "retry on enqueue failure",
			modify: func(c *Config) {
				c.Dispatcher.EnqueueFailurePolicy = "retry"
			},
			wantErr: false,
		},
		{
			name: "unknown refresh full policy",
			modify: func(c *Config) {
				c.Cache.RefreshFullPolicy = "wait"
			},
			wantErr: true,
		},
		{
			name: "zero cache ttl",
			modify: func(c *Config) {
				c.Cache.TTL = 0
			},
			wantErr: true,
		},
		{
			name: "http discovery without url",
			modify: func(c *Config) {
				c.Discovery.Type = "http"
			},
			wantErr: true,
		},
		{
			name: "etcd discovery",
			modify: func(c *Config) {
				c.Discovery.Type = "etcd"
			},
			wantErr: false,
		},
		{
			name: "executor with bad target id",
			modify: func(c *Config) {
				c.Executors.Targets = []ExecutorTarget{{TargetID: "plugin", URL: "http://localhost:9000"}}
			},
			wantErr: true,
		},
		{
			name: "visibility timeout too short",
			modify: func(c *Config) {
				c.WorkQueue.VisibilityTimeout = 500 * time.Millisecond
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Source.Topic != "events" {
		t.Errorf("expected default config, got source topic %s", cfg.Source.Topic)
	}
}

func TestLoadPartial(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := []byte(`
dispatcher:
  worker_pool_size: 4
cache:
  ttl: 1m
discovery:
  type: static
  static:
    "0b3a6c4e-8b0e-4a6f-9d1e-2f6c7a1b9c01":
      - "5d1f2a3b-4c5d-4e6f-8a7b-9c0d1e2f3a4b"
`)
	if err := os.WriteFile(tmpfile, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Dispatcher.WorkerPoolSize != 4 {
		t.Errorf("expected worker pool size 4, got %d", cfg.Dispatcher.WorkerPoolSize)
	}
	if cfg.Cache.TTL != time.Minute {
		t.Errorf("expected cache ttl 1m, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.Capacity != 10000 {
		t.Errorf("expected default capacity to survive, got %d", cfg.Cache.Capacity)
	}
	if n := len(cfg.Discovery.Static["0b3a6c4e-8b0e-4a6f-9d1e-2f6c7a1b9c01"]); n != 1 {
		t.Errorf("expected 1 static target, got %d", n)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("cache:\n  refresh_full_policy: wait\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(tmpfile); err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Dispatcher.RouteBy = "event_source"
	cfg.Retry.Delay = 30 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Dispatcher.RouteBy != "event_source" {
		t.Errorf("expected route_by event_source, got %s", loaded.Dispatcher.RouteBy)
	}
	if loaded.Retry.Delay != 30*time.Second {
		t.Errorf("expected retry delay 30s, got %v", loaded.Retry.Delay)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
