// SPDX-License-Identifier: MIT

// Package state holds the domain model of the conversion state core: file and
// group records, the two status axes, and the pure transition machine that
// the planner drives.
package state

import "time"

// IntegrityStatus is the integrity axis of a tracked file.
type IntegrityStatus string

const (
	IntegrityUnknown    IntegrityStatus = "UNKNOWN"
	IntegrityPending    IntegrityStatus = "PENDING"
	IntegrityComplete   IntegrityStatus = "COMPLETE"
	IntegrityIncomplete IntegrityStatus = "INCOMPLETE"
	IntegrityError      IntegrityStatus = "ERROR"
)

// ProcessedStatus is the processing axis of a tracked file.
type ProcessedStatus string

const (
	ProcessedNew              ProcessedStatus = "NEW"
	ProcessedSkippedHasEN2    ProcessedStatus = "SKIPPED_HAS_EN2"
	ProcessedConverted        ProcessedStatus = "CONVERTED"
	ProcessedConvertFailed    ProcessedStatus = "CONVERT_FAILED"
	ProcessedGroupPendingPair ProcessedStatus = "GROUP_PENDING_PAIR"
	ProcessedGroupProcessed   ProcessedStatus = "GROUP_PROCESSED"
	ProcessedIgnored          ProcessedStatus = "IGNORED"
	ProcessedDuplicate        ProcessedStatus = "DUPLICATE"
)

// TerminalAlways reports whether the status is terminal in every context.
// CONVERT_FAILED is terminal only once retries are exhausted, which the
// machine expresses by scheduling the sentinel; it is not in this set.
func (p ProcessedStatus) TerminalAlways() bool {
	switch p {
	case ProcessedSkippedHasEN2, ProcessedGroupProcessed, ProcessedIgnored, ProcessedDuplicate:
		return true
	}
	return false
}

// Role of a file within its group.
type Role string

const (
	RoleOriginal        Role = "original"
	RoleStereoCompanion Role = "stereo_companion"
)

// GroupState is the lifecycle state of a conversion group.
type GroupState string

const (
	GroupForming         GroupState = "forming"
	GroupPendingPair     GroupState = "pending_pair"
	GroupReadyToFinalize GroupState = "ready_to_finalize"
	GroupProcessed       GroupState = "processed"
	GroupFailed          GroupState = "failed"
)

// Verdict of an integrity check.
type Verdict string

const (
	VerdictComplete   Verdict = "complete"
	VerdictIncomplete Verdict = "incomplete"
	VerdictError      Verdict = "error"
)

// ConvertOutcome of a conversion attempt.
type ConvertOutcome string

const (
	OutcomeConverted ConvertOutcome = "converted"
	OutcomeFailed    ConvertOutcome = "failed"
)

// SentinelNever is the far-future instant used as next_check_at for records
// that must never wake again. Store due queries exclude it by predicate.
var SentinelNever = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
