// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EngineConfig holds tuning knobs for the sync engine.
type EngineConfig struct {
	// Timezone is the business wall-clock timezone used to interpret locale
	// timestamps and serial dates. Defaults to DefaultTimezone.
	Timezone string

	// RemoteCallTimeout bounds every call to the remote store. A timeout on
	// a single candidate is transient; the candidate is retried next cycle.
	RemoteCallTimeout time.Duration

	// TokenAttempts bounds remote-id regeneration on collision.
	TokenAttempts int
}

func (c *EngineConfig) withDefaults() *EngineConfig {
	out := EngineConfig{}
	if c != nil {
		out = *c
	}
	if out.Timezone == "" {
		out.Timezone = DefaultTimezone
	}
	if out.RemoteCallTimeout <= 0 {
		out.RemoteCallTimeout = 30 * time.Second
	}
	if out.TokenAttempts <= 0 {
		out.TokenAttempts = 5
	}
	return &out
}

// Engine is the bidirectional synchronization engine. It keeps the local
// relational store and the remote tabular store consistent by running ordered
// sync cycles: void propagation, push, detail reconciliation, pull, and a
// checkpoint advance that only happens when everything before it succeeded.
//
// One Engine runs at most one cycle at a time; RunSyncCycle returns
// ErrCycleInProgress instead of ever running cycles concurrently.
type Engine struct {
	store  Store
	remote RemoteStore
	config *EngineConfig
	logger *slog.Logger
	loc    *time.Location

	mu      sync.Mutex
	running bool
	phase   Phase
}

// NewEngine wires the engine to its injected stores. There is no module-level
// state: every component shares this one handle.
func NewEngine(store Store, remote RemoteStore, config *EngineConfig, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}

	return &Engine{
		store:  store,
		remote: remote,
		config: config,
		logger: logger,
		loc:    loc,
		phase:  PhaseIdle,
	}, nil
}

// Location returns the business timezone the engine normalizes instants in.
func (e *Engine) Location() *time.Location { return e.loc }

// Phase returns the phase the engine is currently in.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// normalize applies the timestamp normalizer in the engine's timezone.
func (e *Engine) normalize(v any) time.Time {
	return NormalizeInstant(v, e.loc)
}
