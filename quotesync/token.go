// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RemoteDetailIDLength is the length of the short alphanumeric tokens used as
// remote detail identifiers.
const RemoteDetailIDLength = 12

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewRemoteDetailID mints a candidate remote identifier for a detail row:
// a hash of the row's business fields, the current time, and a random salt,
// truncated to a short lowercase alphanumeric token. Uniqueness is NOT
// guaranteed here; callers verify against the correlation map and regenerate
// on collision.
func NewRemoteDetailID(d Detail) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		d.HeaderExternalID,
		d.ItemRef,
		d.Quantity.String(),
		d.UnitPrice.String(),
		d.TaxRate.String(),
		time.Now().UnixNano(),
		uuid.NewString(),
	)
	token := strings.ToLower(tokenEncoding.EncodeToString(h.Sum(nil)))
	return token[:RemoteDetailIDLength]
}

// mintRemoteDetailID generates a remote id that does not collide with any
// existing correlation entry, regenerating up to the configured attempt
// budget before giving up with ErrTokenExhausted.
func (e *Engine) mintRemoteDetailID(ctx context.Context, d Detail) (string, error) {
	for i := 0; i < e.config.TokenAttempts; i++ {
		id := NewRemoteDetailID(d)
		exists, err := e.store.RemoteDetailIDExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("collision check for remote id: %w", err)
		}
		if !exists {
			return id, nil
		}
		e.logger.Warn("Remote detail id collision, regenerating", "remote_id", id, "attempt", i+1)
	}
	return "", ErrTokenExhausted
}
