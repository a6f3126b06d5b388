// SPDX-License-Identifier: MIT

package session

import "errors"

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNoSession            = errors.New("session: no session for user")
	ErrMalformedSession     = errors.New("session: stored record is malformed")
	ErrMissingSignature     = errors.New("session: cookie signature missing")
	ErrBootstrapUnreachable = errors.New("session: vendor bootstrap unreachable")
	ErrTokenNotFound        = errors.New("session: access token not found in bootstrap")
	ErrTokenExpired         = errors.New("session: access token expired or expiring")
)
