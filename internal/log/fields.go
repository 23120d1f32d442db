// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldInstanceID = "instance_id"
	FieldOwner      = "owner"
	FieldGroup      = "group_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldHandler   = "handler"
	FieldOutcome   = "outcome"
	FieldAttempts  = "attempts"

	// State fields
	FieldIntegrity     = "integrity"
	FieldProcessed     = "processed"
	FieldOldIntegrity  = "old_integrity"
	FieldOldProcessed  = "old_processed"
	FieldGroupState    = "group_state"
	FieldNextCheckAt   = "next_check_at"
	FieldBackoffSec    = "backoff_sec"
	FieldLeaseDeadline = "lease_deadline"

	// Path fields
	FieldPath          = "path"
	FieldDir           = "dir"
	FieldCompanionPath = "companion_path"
	FieldDB            = "db"
)
