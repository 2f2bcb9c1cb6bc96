// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoActiveCheckpoint means the checkpoint table has no active row.
	// This is a configuration error: the cycle aborts before any mutation
	// and the operator has to fix the configuration by hand.
	ErrNoActiveCheckpoint = errors.New("no active sync checkpoint")

	// ErrCycleInProgress is returned when RunSyncCycle is invoked while a
	// cycle is already running. Cycles are never run concurrently.
	ErrCycleInProgress = errors.New("sync cycle already in progress")

	// ErrHeaderNotFound is returned by header lookups that match no row.
	ErrHeaderNotFound = errors.New("quote header not found")

	// ErrTokenExhausted means remote-id generation kept colliding with
	// existing correlation entries.
	ErrTokenExhausted = errors.New("could not generate a unique remote detail id")
)

// TransientRemoteError wraps a failure talking to the remote store for a
// single candidate. The candidate is excluded from the cycle's result set and
// retried next cycle because the checkpoint does not advance past its change.
type TransientRemoteError struct {
	ExternalID string
	Err        error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("remote store failure for %s: %v", e.ExternalID, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// IsTransientRemote reports whether err is a per-candidate remote failure
// (including timeouts) rather than something that should abort the cycle.
func IsTransientRemote(err error) bool {
	var tre *TransientRemoteError
	if errors.As(err, &tre) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConfigurationError reports whether err must abort the cycle before any
// mutation, per the propagation policy: only configuration errors are fatal.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoActiveCheckpoint)
}
