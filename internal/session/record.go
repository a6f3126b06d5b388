// SPDX-License-Identifier: MIT

// Package session resolves vendor sessions from the KV collaborator and
// exchanges them for short-lived data-access JWTs. Records are written by the
// credential-capture collaborator; this package only reads them.
package session

import "time"

// PlatformVendor is the platform key under which the capture collaborator
// stores charting-vendor sessions.
const PlatformVendor = "tradingview"

// Record is an immutable snapshot of a captured vendor session.
// SessionCookieSignature may be absent; that is a recoverable warning for
// session resolution but fatal for the JWT exchange.
type Record struct {
	SessionCookie          string    `json:"sessionCookie"`
	SessionCookieSignature string    `json:"sessionCookieSignature,omitempty"`
	UserNumericID          int64     `json:"userNumericId,omitempty"`
	UserEmail              string    `json:"userEmail"`
	UserPassword           string    `json:"userPassword,omitempty"`
	CapturedAt             time.Time `json:"capturedAt"`
}

// HasSignature reports whether the signed cookie companion is present.
func (r Record) HasSignature() bool {
	return r.SessionCookieSignature != ""
}

// Stats summarizes the KV collaborator's session inventory.
type Stats struct {
	TotalSessions int64            `json:"totalSessions"`
	PerPlatform   map[string]int64 `json:"perPlatformCounts"`
}
