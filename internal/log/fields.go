// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldBatchID   = "batch_id"
	FieldConnID    = "conn_id"
	FieldUser      = "user"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Chart fields
	FieldSymbol     = "symbol"
	FieldResolution = "resolution"
	FieldBarCount   = "bar_count"
	FieldSlot       = "slot"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
