// SPDX-License-Identifier: MIT

package state

import "time"

// stepGroup advances the group one state per call in response to a member
// write. The member entry itself is never mutated here; callers apply the
// returned group mutation and re-evaluate until the state settles.
func stepGroup(e FileEntry, ev GroupMemberUpdated, now time.Time) (Decision, error) {
	g := ev.Group
	if g.GroupID == "" {
		return Decision{}, illegal(e, ev, "group without id")
	}
	if g.Done() {
		return Decision{Entry: e}, nil
	}

	if memberFailed(ev.Original) || memberFailed(ev.Companion) {
		ng := g
		ng.State = GroupFailed
		ng.FinishedAt = now
		return Decision{Entry: e, Group: &GroupMutation{Group: ng}}, nil
	}

	switch g.State {
	case GroupForming:
		if g.CompanionPath != "" {
			ng := g
			ng.State = GroupPendingPair
			return Decision{Entry: e, Group: &GroupMutation{Group: ng}}, nil
		}
		// An original that turned out to carry EN 2.0 finalizes alone.
		if CompletionRuleMet(g, ev.Original, ev.Companion) {
			ng := g
			ng.State = GroupReadyToFinalize
			return Decision{Entry: e, Group: &GroupMutation{Group: ng}}, nil
		}

	case GroupPendingPair:
		if CompletionRuleMet(g, ev.Original, ev.Companion) {
			ng := g
			ng.State = GroupReadyToFinalize
			return Decision{Entry: e, Group: &GroupMutation{Group: ng}}, nil
		}

	case GroupReadyToFinalize:
		if CompletionRuleMet(g, ev.Original, ev.Companion) {
			ng := g
			ng.State = GroupProcessed
			ng.FinishedAt = now
			return Decision{Entry: e, Group: &GroupMutation{Group: ng, Finalize: true}}, nil
		}
	}

	return Decision{Entry: e}, nil
}

// memberFailed reports whether a member ended in a state that makes group
// completion impossible.
func memberFailed(m *FileEntry) bool {
	if m == nil || !m.Terminal() {
		return false
	}
	switch m.Processed {
	case ProcessedConvertFailed, ProcessedDuplicate:
		return true
	case ProcessedIgnored:
		// IGNORED is benign only for an original with nothing to convert.
		// An ignored companion can never satisfy the completion rule, so
		// its pair is unfinishable; likewise errored or vanished members.
		return m.Role == RoleStereoCompanion ||
			m.Integrity == IntegrityError || m.LastError == "file disappeared"
	}
	return false
}

// positiveFinal reports whether a member reached a state that counts toward
// group completion.
func positiveFinal(m *FileEntry) bool {
	if m == nil {
		return false
	}
	switch m.Processed {
	case ProcessedSkippedHasEN2, ProcessedConverted, ProcessedGroupProcessed:
		return true
	}
	return false
}

// CompletionRuleMet evaluates the group policy against the current members.
//
// delete_original=true: the companion alone must be COMPLETE and in a
// positive final state; the original will be dropped by the caller.
// delete_original=false: both members must be integrity-COMPLETE and in
// positive final states.
//
// Special case either way: an original that was skipped for already carrying
// EN 2.0 completes the group by itself.
func CompletionRuleMet(g GroupEntry, original, companion *FileEntry) bool {
	if original != nil && original.Processed == ProcessedSkippedHasEN2 {
		return true
	}
	if companion == nil {
		return false
	}
	if g.DeleteOriginal {
		return companion.Integrity == IntegrityComplete && positiveFinal(companion)
	}
	return original != nil &&
		original.Integrity == IntegrityComplete &&
		companion.Integrity == IntegrityComplete &&
		positiveFinal(original) && positiveFinal(companion)
}
