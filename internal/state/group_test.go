// SPDX-License-Identifier: MIT

package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairFixture(deleteOriginal bool) (GroupEntry, FileEntry, FileEntry) {
	orig := completeEntry("/media/show/film.mkv")
	orig.Processed = ProcessedConverted
	orig.GroupID = DeriveGroupID(orig.Path)
	orig.NextCheckAt = SentinelNever

	comp := NewFileEntry("/media/show/film.stereo.mkv", t0)
	comp.GroupID = orig.GroupID
	comp.Role = RoleStereoCompanion

	g := GroupEntry{
		GroupID:        orig.GroupID,
		OriginalPath:   orig.Path,
		CompanionPath:  comp.Path,
		State:          GroupPendingPair,
		DeleteOriginal: deleteOriginal,
		CreatedAt:      t0,
	}
	return g, orig, comp
}

func stepGroupUntilSettled(t *testing.T, g GroupEntry, orig, comp *FileEntry, now time.Time) (GroupEntry, bool) {
	t.Helper()
	finalized := false
	member := FileEntry{Path: "/media/show/film.stereo.mkv", GroupID: g.GroupID}
	for i := 0; i < 5; i++ {
		dec, err := Step(member, GroupMemberUpdated{Group: g, Original: orig, Companion: comp}, now, Params{})
		require.NoError(t, err)
		if dec.Group == nil {
			return g, finalized
		}
		g = dec.Group.Group
		if dec.Group.Finalize {
			finalized = true
		}
	}
	t.Fatal("group evaluation did not settle")
	return g, finalized
}

func TestGroupCompletesWhenBothMembersComplete(t *testing.T) {
	g, orig, comp := pairFixture(false)
	comp.Integrity = IntegrityComplete
	comp.Processed = ProcessedSkippedHasEN2
	comp.NextCheckAt = SentinelNever

	got, finalized := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupProcessed, got.State)
	assert.True(t, finalized)
	assert.Equal(t, t0, got.FinishedAt)
}

func TestGroupWaitsForOriginalWhenKeepingIt(t *testing.T) {
	g, orig, comp := pairFixture(false)
	comp.Integrity = IntegrityComplete
	comp.Processed = ProcessedSkippedHasEN2
	comp.NextCheckAt = SentinelNever
	orig.Integrity = IntegrityIncomplete // original regressed

	got, finalized := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupPendingPair, got.State)
	assert.False(t, finalized)
}

func TestGroupCompletesOnCompanionAloneWhenDroppingOriginal(t *testing.T) {
	g, orig, comp := pairFixture(true)
	comp.Integrity = IntegrityComplete
	comp.Processed = ProcessedSkippedHasEN2
	comp.NextCheckAt = SentinelNever
	orig.Integrity = IntegrityIncomplete // irrelevant under delete_original

	got, finalized := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupProcessed, got.State)
	assert.True(t, finalized)
}

func TestGroupNotProcessedWhileCompanionUnverified(t *testing.T) {
	g, orig, comp := pairFixture(false)
	// Companion still NEW/UNKNOWN: rule must not fire.
	got, finalized := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupPendingPair, got.State)
	assert.False(t, finalized)
}

func TestSkippedOriginalFinalizesAlone(t *testing.T) {
	orig := completeEntry("/media/show/film.mkv")
	orig.Processed = ProcessedSkippedHasEN2
	orig.GroupID = DeriveGroupID(orig.Path)
	orig.NextCheckAt = SentinelNever

	g := GroupEntry{
		GroupID:      orig.GroupID,
		OriginalPath: orig.Path,
		State:        GroupForming,
		CreatedAt:    t0,
	}

	got, finalized := stepGroupUntilSettled(t, g, &orig, nil, t0)
	assert.Equal(t, GroupProcessed, got.State)
	assert.True(t, finalized)
}

func TestFailedMemberFailsGroup(t *testing.T) {
	g, orig, comp := pairFixture(false)
	orig.Processed = ProcessedConvertFailed
	orig.NextCheckAt = SentinelNever

	got, _ := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupFailed, got.State)
	assert.Equal(t, t0, got.FinishedAt)
}

func TestDisappearedCompanionFailsGroup(t *testing.T) {
	g, orig, comp := pairFixture(false)
	comp.Processed = ProcessedIgnored
	comp.LastError = "file disappeared"
	comp.NextCheckAt = SentinelNever

	got, _ := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupFailed, got.State)
}

func TestSurroundCompanionFailsGroup(t *testing.T) {
	g, orig, comp := pairFixture(false)
	comp.Integrity = IntegrityComplete
	comp.Processed = ProcessedIgnored
	comp.LastError = "companion has surround audio"
	comp.NextCheckAt = SentinelNever

	got, _ := stepGroupUntilSettled(t, g, &orig, &comp, t0)
	assert.Equal(t, GroupFailed, got.State)
	assert.Equal(t, t0, got.FinishedAt)
}

func TestBenignIgnoreDoesNotFailGroup(t *testing.T) {
	e := FileEntry{
		Processed:   ProcessedIgnored,
		Integrity:   IntegrityComplete,
		LastError:   "no surround track to convert",
		NextCheckAt: SentinelNever,
	}
	assert.False(t, memberFailed(&e))
}

func TestDoneGroupsAreInert(t *testing.T) {
	g, orig, comp := pairFixture(false)
	g.State = GroupProcessed
	g.FinishedAt = t0

	dec, err := Step(comp, GroupMemberUpdated{Group: g, Original: &orig, Companion: &comp}, t0.Add(time.Hour), Params{})
	require.NoError(t, err)
	assert.Nil(t, dec.Group)
}

func TestCompletionRuleNeedsCompanion(t *testing.T) {
	g, orig, _ := pairFixture(true)
	assert.False(t, CompletionRuleMet(g, &orig, nil))
}
