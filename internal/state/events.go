// SPDX-License-Identifier: MIT

package state

import "time"

// Event is one observation the planner feeds into the machine. The set is
// closed; handlers construct exactly one event per pick.
type Event interface{ isEvent() }

// Discovered fires once when a path is first seen.
type Discovered struct{}

// SizeSampled carries the result of a filesystem stat. Missing is set when
// the path definitively no longer exists.
type SizeSampled struct {
	Size       int64
	ObservedAt time.Time
	Missing    bool
}

// StableTimeoutElapsed fires when a stat confirms the size has been unchanged
// for at least the stability window. Size/ObservedAt are the confirming sample.
type StableTimeoutElapsed struct {
	Size       int64
	ObservedAt time.Time
}

// IntegrityVerdict carries the integrity adapter's result.
type IntegrityVerdict struct {
	Verdict    Verdict
	RetryAfter time.Duration // optional adapter-suggested wait; 0 means use backoff
	Detail     string
}

// AudioProbeVerdict carries the probe adapter's track listing.
type AudioProbeVerdict struct {
	Tracks []Track
}

// ConversionVerdict carries the converter adapter's result.
type ConversionVerdict struct {
	Outcome       ConvertOutcome
	CompanionPath string
	Detail        string
}

// GroupMemberUpdated is emitted after any member write so the group can
// advance. The snapshot carries the group row and both members as currently
// persisted; either member may be nil while the pair is still forming.
type GroupMemberUpdated struct {
	Group     GroupEntry
	Original  *FileEntry
	Companion *FileEntry
}

// OpFailed reports a transient adapter or filesystem failure that produced
// no verdict. The record keeps its statuses and retries after backoff.
type OpFailed struct {
	Stage  string // "stat", "probe", ...
	Detail string
}

func (Discovered) isEvent()           {}
func (SizeSampled) isEvent()          {}
func (StableTimeoutElapsed) isEvent() {}
func (IntegrityVerdict) isEvent()     {}
func (AudioProbeVerdict) isEvent()    {}
func (ConversionVerdict) isEvent()    {}
func (GroupMemberUpdated) isEvent()   {}
func (OpFailed) isEvent()             {}

// Decision is the machine's output: the full new state of the stepped entry,
// optional extra entries to upsert in the same transaction (companion
// registration), and an optional group mutation.
type Decision struct {
	Entry   FileEntry
	Upserts []FileEntry
	Group   *GroupMutation
}

// GroupMutation is the group part of a decision. Finalize additionally flips
// every member that is not yet GROUP_PROCESSED to GROUP_PROCESSED with the
// never sentinel, atomically with the group row.
type GroupMutation struct {
	Group    GroupEntry
	Finalize bool
}
