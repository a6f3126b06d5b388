// SPDX-License-Identifier: MIT

package session

import (
	"context"

	"github.com/quantfeed/chartgate/internal/chart"
)

// Store is the KV collaborator holding captured sessions. The core consumes
// it read-only; deletion and writes belong to the capture collaborator.
type Store interface {
	// GetLatestSessionForUser returns the newest session matching
	// (platform, email, password), or nil when none exists.
	GetLatestSessionForUser(ctx context.Context, platform string, creds chart.Credentials) (*Record, error)
	// GetSessionStats returns inventory counts across platforms.
	GetSessionStats(ctx context.Context) (Stats, error)
}
