// SPDX-License-Identifier: MIT

package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when an event is not legal for the
// entry's current state. The planner must not persist such a decision.
var ErrIllegalTransition = errors.New("illegal transition")

// Params are the pure scheduling knobs the machine needs. They are a
// snapshot of configuration; the machine itself holds no state.
type Params struct {
	StableWait           time.Duration
	SizePoll             time.Duration
	BackoffStep          time.Duration
	BackoffMax           time.Duration
	MaxIntegrityAttempts int
	DeleteOriginal       bool
}

// DefaultParams mirrors the configuration defaults.
func DefaultParams() Params {
	return Params{
		StableWait:           30 * time.Second,
		SizePoll:             5 * time.Second,
		BackoffStep:          30 * time.Second,
		BackoffMax:           600 * time.Second,
		MaxIntegrityAttempts: 5,
	}
}

func (p Params) stepSec() int {
	s := int(p.BackoffStep / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (p Params) maxSec() int {
	m := int(p.BackoffMax / time.Second)
	if m < p.stepSec() {
		m = p.stepSec()
	}
	return m
}

// retryWait is the delay before the next attempt given the current backoff
// field, clamped to the configured window.
func (p Params) retryWait(backoffSec int) time.Duration {
	sec := backoffSec
	if sec < p.stepSec() {
		sec = p.stepSec()
	}
	if sec > p.maxSec() {
		sec = p.maxSec()
	}
	return time.Duration(sec) * time.Second
}

// nextBackoffSec doubles the wait that was just applied, clamped.
func (p Params) nextBackoffSec(applied time.Duration) int {
	sec := int(applied/time.Second) * 2
	if sec < p.stepSec() {
		sec = p.stepSec()
	}
	if sec > p.maxSec() {
		sec = p.maxSec()
	}
	return sec
}

// Step is the transition function: (entry, event, now) -> decision. It does
// no I/O and never mutates its input. Every observable state change in the
// system flows through here.
func Step(e FileEntry, ev Event, now time.Time, p Params) (Decision, error) {
	// Group evaluation does not mutate the member, so it is legal even on
	// terminal entries (a terminal companion write is what completes a group).
	if gm, ok := ev.(GroupMemberUpdated); ok {
		return stepGroup(e, gm, now)
	}
	if e.Terminal() {
		return Decision{}, illegal(e, ev, "record is terminal")
	}

	switch ev := ev.(type) {
	case Discovered:
		return stepDiscovered(e, now)
	case SizeSampled:
		return stepSizeSampled(e, ev, now, p)
	case StableTimeoutElapsed:
		return stepStableTimeout(e, ev, now, p)
	case IntegrityVerdict:
		return stepIntegrity(e, ev, now, p)
	case AudioProbeVerdict:
		return stepAudioProbe(e, ev, now, p)
	case ConversionVerdict:
		return stepConversion(e, ev, now, p)
	case OpFailed:
		return stepOpFailed(e, ev, now, p)
	default:
		return Decision{}, illegal(e, ev, "unknown event")
	}
}

func illegal(e FileEntry, ev Event, why string) error {
	return fmt.Errorf("%w: %T on %s/%s (%s): %s",
		ErrIllegalTransition, ev, e.Integrity, e.Processed, e.Path, why)
}

func stepDiscovered(e FileEntry, now time.Time) (Decision, error) {
	if e.Processed != ProcessedNew || e.Integrity != IntegrityUnknown {
		return Decision{}, illegal(e, Discovered{}, "already past discovery")
	}
	d := e
	d.NextCheckAt = now
	return Decision{Entry: d}, nil
}

func stepSizeSampled(e FileEntry, ev SizeSampled, now time.Time, p Params) (Decision, error) {
	if ev.Missing {
		d := e
		d.Processed = ProcessedIgnored
		d.LastError = "file disappeared"
		d.NextCheckAt = SentinelNever
		return Decision{Entry: d}, nil
	}

	switch e.Integrity {
	case IntegrityUnknown, IntegrityIncomplete, IntegrityError:
	default:
		return Decision{}, illegal(e, ev, "size sampling only before integrity completes")
	}

	d := e
	d.SizeObservedAt = ev.ObservedAt

	if ev.Size != e.Size || e.SizeObservedAt.IsZero() {
		// First sample or the file grew: restart the observation window and
		// drop any accumulated failure state.
		d.Size = ev.Size
		d.StableSince = time.Time{}
		d.Integrity = IntegrityUnknown
		d.IntegrityAttempts = 0
		d.BackoffSec = p.stepSec()
		d.LastError = ""
		d.NextCheckAt = now.Add(p.SizePoll)
		return Decision{Entry: d}, nil
	}

	if e.StableSince.IsZero() {
		d.StableSince = ev.ObservedAt
		d.NextCheckAt = ev.ObservedAt.Add(p.StableWait)
		return Decision{Entry: d}, nil
	}

	// Unchanged and already inside the window; wait out the remainder.
	d.NextCheckAt = e.StableSince.Add(p.StableWait)
	if !d.NextCheckAt.After(now) {
		d.NextCheckAt = now.Add(p.SizePoll)
	}
	return Decision{Entry: d}, nil
}

func stepStableTimeout(e FileEntry, ev StableTimeoutElapsed, now time.Time, p Params) (Decision, error) {
	switch e.Integrity {
	case IntegrityUnknown, IntegrityIncomplete, IntegrityError:
	default:
		return Decision{}, illegal(e, ev, "integrity already determined")
	}
	if e.StableSince.IsZero() {
		return Decision{}, illegal(e, ev, "no stability window open")
	}
	if now.Sub(e.StableSince) < p.StableWait {
		return Decision{}, illegal(e, ev, "stability window not elapsed")
	}
	if ev.Size != e.Size {
		return Decision{}, illegal(e, ev, "confirming sample disagrees with recorded size")
	}
	d := e
	d.SizeObservedAt = ev.ObservedAt
	d.Integrity = IntegrityPending
	d.NextCheckAt = now
	return Decision{Entry: d}, nil
}

func stepIntegrity(e FileEntry, ev IntegrityVerdict, now time.Time, p Params) (Decision, error) {
	if e.Integrity != IntegrityPending {
		return Decision{}, illegal(e, ev, "no integrity check in flight")
	}
	d := e
	d.IntegrityAttempts++

	switch ev.Verdict {
	case VerdictComplete:
		d.Integrity = IntegrityComplete
		d.BackoffSec = p.stepSec()
		d.LastError = ""
		d.NextCheckAt = now
		return Decision{Entry: d}, nil

	case VerdictIncomplete, VerdictError:
		if ev.Verdict == VerdictIncomplete {
			d.Integrity = IntegrityIncomplete
		} else {
			d.Integrity = IntegrityError
		}
		d.LastError = ev.Detail
		if d.LastError == "" {
			d.LastError = "integrity " + string(ev.Verdict)
		}
		if d.IntegrityAttempts >= p.MaxIntegrityAttempts {
			d.Integrity = IntegrityError
			d.Processed = ProcessedIgnored
			d.NextCheckAt = SentinelNever
			return Decision{Entry: d}, nil
		}
		wait := p.retryWait(e.BackoffSec)
		if ev.RetryAfter > 0 {
			wait = ev.RetryAfter
		}
		d.NextCheckAt = now.Add(wait)
		d.BackoffSec = p.nextBackoffSec(wait)
		return Decision{Entry: d}, nil

	default:
		return Decision{}, illegal(e, ev, fmt.Sprintf("unknown verdict %q", ev.Verdict))
	}
}

func stepAudioProbe(e FileEntry, ev AudioProbeVerdict, now time.Time, p Params) (Decision, error) {
	if e.Integrity != IntegrityComplete || e.Processed != ProcessedNew {
		return Decision{}, illegal(e, ev, "probe requires a complete, unprocessed file")
	}
	d := e

	switch {
	case HasEnglishStereo(ev.Tracks):
		d.Processed = ProcessedSkippedHasEN2
		d.LastError = ""
		d.NextCheckAt = SentinelNever
		if d.GroupID == "" && d.Role == RoleStereoCompanion {
			// Companion discovered on its own; attach it so the pair can finalize.
			d.GroupID = DeriveGroupID(e.Path)
		}
		return Decision{Entry: d}, nil

	case HasSurround(ev.Tracks):
		if e.Role == RoleStereoCompanion {
			// A companion carrying surround audio is a mis-produced artifact.
			d.Processed = ProcessedIgnored
			d.LastError = "companion has surround audio"
			d.NextCheckAt = SentinelNever
			return Decision{Entry: d}, nil
		}
		d.Processed = ProcessedGroupPendingPair
		if d.GroupID == "" {
			d.GroupID = DeriveGroupID(e.Path)
		}
		d.LastError = ""
		d.NextCheckAt = now
		g := GroupEntry{
			GroupID:        d.GroupID,
			OriginalPath:   e.Path,
			State:          GroupForming,
			DeleteOriginal: p.DeleteOriginal,
			CreatedAt:      now,
		}
		return Decision{Entry: d, Group: &GroupMutation{Group: g}}, nil

	default:
		d.Processed = ProcessedIgnored
		d.LastError = "no surround track to convert"
		d.NextCheckAt = SentinelNever
		return Decision{Entry: d}, nil
	}
}

func stepConversion(e FileEntry, ev ConversionVerdict, now time.Time, p Params) (Decision, error) {
	if e.Integrity != IntegrityComplete {
		return Decision{}, illegal(e, ev, "conversion requires a complete file")
	}
	if e.Processed != ProcessedGroupPendingPair && e.Processed != ProcessedConvertFailed {
		return Decision{}, illegal(e, ev, "no conversion scheduled")
	}
	if e.Role != RoleOriginal {
		return Decision{}, illegal(e, ev, "only originals convert")
	}

	d := e
	if d.GroupID == "" {
		d.GroupID = DeriveGroupID(e.Path)
	}

	switch ev.Outcome {
	case OutcomeConverted:
		if ev.CompanionPath == "" {
			return Decision{}, illegal(e, ev, "converted without companion path")
		}
		d.Processed = ProcessedConverted
		d.BackoffSec = p.stepSec()
		d.LastError = ""
		// The original's own pipeline is done; everything further is driven
		// by companion writes and group evaluation.
		d.NextCheckAt = SentinelNever

		comp := NewFileEntry(ev.CompanionPath, now)
		comp.GroupID = d.GroupID
		comp.Role = RoleStereoCompanion

		g := GroupEntry{
			GroupID:        d.GroupID,
			OriginalPath:   e.Path,
			CompanionPath:  ev.CompanionPath,
			State:          GroupPendingPair,
			DeleteOriginal: p.DeleteOriginal,
			CreatedAt:      now,
		}
		return Decision{Entry: d, Upserts: []FileEntry{comp}, Group: &GroupMutation{Group: g}}, nil

	case OutcomeFailed:
		exhausted := e.BackoffSec >= p.maxSec()
		d.Processed = ProcessedConvertFailed
		d.LastError = ev.Detail
		if d.LastError == "" {
			d.LastError = "conversion failed"
		}
		if exhausted {
			d.NextCheckAt = SentinelNever
			g := GroupEntry{
				GroupID:        d.GroupID,
				OriginalPath:   e.Path,
				State:          GroupFailed,
				DeleteOriginal: p.DeleteOriginal,
				CreatedAt:      now,
				FinishedAt:     now,
			}
			return Decision{Entry: d, Group: &GroupMutation{Group: g}}, nil
		}
		wait := p.retryWait(e.BackoffSec)
		d.NextCheckAt = now.Add(wait)
		d.BackoffSec = p.nextBackoffSec(wait)
		return Decision{Entry: d}, nil

	default:
		return Decision{}, illegal(e, ev, fmt.Sprintf("unknown outcome %q", ev.Outcome))
	}
}

func stepOpFailed(e FileEntry, ev OpFailed, now time.Time, p Params) (Decision, error) {
	// Transient failure: statuses survive, only scheduling moves.
	d := e
	d.LastError = ev.Stage + ": " + ev.Detail
	wait := p.retryWait(e.BackoffSec)
	d.NextCheckAt = now.Add(wait)
	d.BackoffSec = p.nextBackoffSec(wait)
	return Decision{Entry: d}, nil
}
