// SPDX-License-Identifier: MIT

package planner

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/store"
)

// groupEvalRounds caps the settle loop per member write. A group moves at
// most forming -> pending_pair -> ready_to_finalize -> processed, so four
// rounds always reach a fixed point; the cap only guards against a cycle bug.
const groupEvalRounds = 6

// handle processes one leased record: derive exactly one event, step the
// machine, persist the decision, then settle the group.
func (p *Planner) handle(ctx context.Context, e state.FileEntry) {
	logger := log.WithComponent("planner")
	now := p.clock.Now()
	started := time.Now()

	name, ev := p.deriveEvent(ctx, e, now)
	if ev == nil {
		// The record was due but matches no handler. That is an invariant
		// breach (likely a bad manual edit of the database); park it for a
		// full backoff so the loop cannot spin on it.
		p.invariantErrors.Add(1)
		metrics.IncIllegalTransition()
		logger.Error().
			Str(log.FieldEvent, "planner.unhandled_state").
			Str(log.FieldPath, e.Path).
			Str(log.FieldIntegrity, string(e.Integrity)).
			Str(log.FieldProcessed, string(e.Processed)).
			Msg("no handler for record state, parking")
		p.park(ctx, e, now)
		return
	}

	dec, err := state.Step(e, ev, now, p.machine)
	if err != nil {
		if errors.Is(err, state.ErrIllegalTransition) {
			p.invariantErrors.Add(1)
			metrics.IncIllegalTransition()
			logger.Error().Err(err).
				Str(log.FieldEvent, "planner.illegal_transition").
				Str(log.FieldPath, e.Path).
				Str(log.FieldHandler, name).
				Msg("decision rejected, parking record")
			p.park(ctx, e, now)
			return
		}
		logger.Error().Err(err).
			Str(log.FieldEvent, "planner.step_failed").
			Str(log.FieldPath, e.Path).
			Msg("machine step failed")
		return
	}

	if err := p.store.Apply(ctx, now, store.Update{
		Owner:   p.owner,
		Entry:   &dec.Entry,
		Upserts: dec.Upserts,
		Group:   dec.Group,
	}); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			metrics.IncLeaseLost()
			logger.Warn().
				Str(log.FieldEvent, "planner.lease_lost").
				Str(log.FieldPath, e.Path).
				Str(log.FieldOwner, p.owner).
				Msg("write refused, row re-leased elsewhere")
			return
		}
		logger.Error().Err(err).
			Str(log.FieldEvent, "planner.apply_failed").
			Str(log.FieldPath, e.Path).
			Msg("persisting decision failed")
		return
	}

	outcome := outcomeLabel(ev, dec)
	metrics.IncHandlerOutcome(name, outcome)
	metrics.ObserveHandler(name, time.Since(started).Seconds())
	p.snapshot.Outcome(outcome)
	if dec.Entry.Processed != e.Processed {
		metrics.IncTransition(string(e.Processed), string(dec.Entry.Processed))
	}

	logger.Debug().
		Str(log.FieldEvent, "planner.stepped").
		Str(log.FieldPath, e.Path).
		Str(log.FieldHandler, name).
		Str(log.FieldOutcome, outcome).
		Str(log.FieldOldIntegrity, string(e.Integrity)).
		Str(log.FieldIntegrity, string(dec.Entry.Integrity)).
		Str(log.FieldOldProcessed, string(e.Processed)).
		Str(log.FieldProcessed, string(dec.Entry.Processed)).
		Msg("record advanced")

	gid := dec.Entry.GroupID
	if gid == "" && dec.Group != nil {
		gid = dec.Group.Group.GroupID
	}
	if gid != "" && (dec.Group != nil || dec.Entry.Processed != e.Processed) {
		p.evaluateGroup(ctx, gid)
	}
}

// deriveEvent maps the record's state to its handler and runs at most one
// adapter call, producing the event to step.
func (p *Planner) deriveEvent(ctx context.Context, e state.FileEntry, now time.Time) (string, state.Event) {
	switch e.Integrity {
	case state.IntegrityUnknown, state.IntegrityIncomplete, state.IntegrityError:
		if e.Processed != state.ProcessedNew {
			return "", nil
		}
		return "stat", p.statEvent(e, now)

	case state.IntegrityPending:
		cctx, cancel := context.WithTimeout(ctx, p.integrityTimeout)
		defer cancel()
		v, err := p.check.Check(cctx, e.Path)
		if err != nil {
			return "integrity", state.OpFailed{Stage: "integrity", Detail: err.Error()}
		}
		return "integrity", v

	case state.IntegrityComplete:
		switch e.Processed {
		case state.ProcessedNew:
			cctx, cancel := context.WithTimeout(ctx, p.integrityTimeout)
			defer cancel()
			tracks, err := p.probe.Probe(cctx, e.Path)
			if err != nil {
				return "probe", state.OpFailed{Stage: "probe", Detail: err.Error()}
			}
			return "probe", state.AudioProbeVerdict{Tracks: tracks}

		case state.ProcessedGroupPendingPair, state.ProcessedConvertFailed:
			if e.Role != state.RoleOriginal {
				return "", nil
			}
			cctx, cancel := context.WithTimeout(ctx, p.convertTimeout)
			defer cancel()
			v, err := p.convert.Convert(cctx, e.Path)
			if err != nil {
				return "convert", state.OpFailed{Stage: "convert", Detail: err.Error()}
			}
			return "convert", v
		}
	}
	return "", nil
}

// statEvent samples the file size and decides between a plain sample and a
// stability confirmation.
func (p *Planner) statEvent(e state.FileEntry, now time.Time) state.Event {
	size, missing, err := p.stat(e.Path)
	if err != nil {
		return state.OpFailed{Stage: "stat", Detail: err.Error()}
	}
	if missing {
		return state.SizeSampled{Missing: true, ObservedAt: now}
	}
	if size == e.Size && !e.StableSince.IsZero() && now.Sub(e.StableSince) >= p.machine.StableWait {
		return state.StableTimeoutElapsed{Size: size, ObservedAt: now}
	}
	return state.SizeSampled{Size: size, ObservedAt: now}
}

// park reschedules a record a full backoff window out without touching its
// statuses. Used for records the machine refused to step.
func (p *Planner) park(ctx context.Context, e state.FileEntry, now time.Time) {
	d := e
	d.NextCheckAt = now.Add(p.machine.BackoffMax)
	if err := p.store.Apply(ctx, now, store.Update{Owner: p.owner, Entry: &d}); err != nil {
		logger := log.WithComponent("planner")
		logger.Error().Err(err).
			Str(log.FieldEvent, "planner.park_failed").
			Str(log.FieldPath, e.Path).
			Msg("could not park record")
	}
	p.snapshot.Outcome("parked")
}

// evaluateGroup re-reads the group after a member write and steps it until
// the state settles. Finalization flips the remaining members in the store.
func (p *Planner) evaluateGroup(ctx context.Context, groupID string) {
	logger := log.WithComponent("planner")
	now := p.clock.Now()

	for round := 0; round < groupEvalRounds; round++ {
		g, err := p.store.GetGroup(ctx, groupID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Error().Err(err).
					Str(log.FieldEvent, "planner.group_read_failed").
					Str(log.FieldGroup, groupID).
					Msg("group evaluation aborted")
			}
			return
		}
		if g.Done() {
			return
		}

		members, err := p.store.GroupMembers(ctx, groupID)
		if err != nil {
			logger.Error().Err(err).
				Str(log.FieldEvent, "planner.group_read_failed").
				Str(log.FieldGroup, groupID).
				Msg("group evaluation aborted")
			return
		}
		var original, companion *state.FileEntry
		for i := range members {
			switch members[i].Role {
			case state.RoleOriginal:
				original = &members[i]
			case state.RoleStereoCompanion:
				companion = &members[i]
			}
		}

		ev := state.GroupMemberUpdated{Group: *g, Original: original, Companion: companion}
		dec, err := state.Step(state.FileEntry{Path: g.OriginalPath}, ev, now, p.machine)
		if err != nil {
			p.invariantErrors.Add(1)
			metrics.IncIllegalTransition()
			logger.Error().Err(err).
				Str(log.FieldEvent, "planner.group_step_failed").
				Str(log.FieldGroup, groupID).
				Msg("group evaluation rejected")
			return
		}
		if dec.Group == nil {
			return
		}

		if err := p.store.Apply(ctx, now, store.Update{Group: dec.Group}); err != nil {
			logger.Error().Err(err).
				Str(log.FieldEvent, "planner.group_apply_failed").
				Str(log.FieldGroup, groupID).
				Msg("persisting group mutation failed")
			return
		}

		ng := dec.Group.Group
		logger.Info().
			Str(log.FieldEvent, "planner.group_advanced").
			Str(log.FieldGroup, groupID).
			Str(log.FieldGroupState, string(ng.State)).
			Msg("group state changed")

		if ng.Done() {
			metrics.IncGroupFinalized(string(ng.State))
			p.snapshot.Outcome("group_" + string(ng.State))
			if dec.Group.Finalize && ng.DeleteOriginal && ng.OriginalPath != "" {
				p.removeOriginal(ng)
			}
			return
		}
	}
}

// removeOriginal deletes the original from disk once the group finalized
// under the delete_original policy. Failure is logged, never fatal; the
// stereo companion is already safe.
func (p *Planner) removeOriginal(g state.GroupEntry) {
	logger := log.WithComponent("planner")
	if err := p.remove(g.OriginalPath); err != nil && !os.IsNotExist(err) {
		logger.Error().Err(err).
			Str(log.FieldEvent, "planner.delete_original_failed").
			Str(log.FieldGroup, g.GroupID).
			Str(log.FieldPath, g.OriginalPath).
			Msg("could not delete original after finalize")
		return
	}
	logger.Info().
		Str(log.FieldEvent, "planner.original_deleted").
		Str(log.FieldGroup, g.GroupID).
		Str(log.FieldPath, g.OriginalPath).
		Msg("original removed per group policy")
}

// outcomeLabel condenses a decision into a low-cardinality metric label.
func outcomeLabel(ev state.Event, dec state.Decision) string {
	switch ev := ev.(type) {
	case state.SizeSampled:
		if ev.Missing {
			return "missing"
		}
		if dec.Entry.StableSince.IsZero() {
			return "size_changed"
		}
		return "size_stable"
	case state.StableTimeoutElapsed:
		return "stable"
	case state.IntegrityVerdict:
		return "integrity_" + string(ev.Verdict)
	case state.AudioProbeVerdict:
		switch dec.Entry.Processed {
		case state.ProcessedSkippedHasEN2:
			return "skipped_has_en2"
		case state.ProcessedGroupPendingPair:
			return "needs_convert"
		default:
			return "no_surround"
		}
	case state.ConversionVerdict:
		if ev.Outcome == state.OutcomeConverted {
			return "converted"
		}
		return "convert_failed"
	case state.OpFailed:
		return "op_" + ev.Stage + "_failed"
	default:
		return "unknown"
	}
}
