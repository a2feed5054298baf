// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldRoute     = "route"
	FieldProcedure = "procedure"
	FieldHash      = "hash"

	// Process fields
	FieldComponent = "component"
	FieldOutcome   = "outcome"
	FieldBackend   = "backend"

	// Cache fields
	FieldStatus  = "status"
	FieldEntries = "entries"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
	FieldHost = "host"
)
