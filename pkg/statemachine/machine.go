// Package statemachine advances incidents along the forward-only walk
// SUSPICIOUS -> PROBABLE -> CONFIRMED.
//
// Guards are evaluated after every accumulator update. Transitions are
// never reversed and never skip a stage: when one update crosses both
// thresholds, both transition rows materialize in the same logical step
// in order. A structurally impossible incident aborts the batch; partial
// correlation is a correctness failure, not graceful degradation.
package statemachine

import (
	"fmt"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// Thresholds carry the stage guards. Both are confidence scores; the
// corroboration floor is fixed at two distinct sensor kinds by contract.
type Thresholds struct {
	Probable  contracts.Score
	Confirmed contracts.Score
}

// MinCorroboration is the distinct-sensor-kind floor for PROBABLE and
// CONFIRMED. No single-sensor confirmation, ever.
const MinCorroboration = 2

// Machine evaluates stage guards. Stateless; safe for concurrent use.
type Machine struct {
	thresholds Thresholds
}

// New validates the thresholds and returns a machine. Probable must be
// strictly below Confirmed and both must lie inside (0, max].
func New(t Thresholds) (*Machine, error) {
	if t.Probable <= contracts.ScoreZero || t.Confirmed > contracts.ScoreMax || t.Probable >= t.Confirmed {
		return nil, fmt.Errorf("%w: thresholds probable=%d confirmed=%d invalid", contracts.ErrStateGuard, t.Probable, t.Confirmed)
	}
	return &Machine{thresholds: t}, nil
}

// Advance evaluates the guards for an incident after an accumulator
// update triggered by the given evidence item. It mutates the incident's
// stage bookkeeping and returns the stage transition rows to persist, in
// order. An empty slice means no guard fired.
func (m *Machine) Advance(inc *contracts.Incident, trigger contracts.EvidenceItem) ([]contracts.StageTransition, error) {
	if err := m.checkStructure(inc); err != nil {
		return nil, err
	}
	if inc.Stage.Terminal() {
		return nil, nil
	}

	var transitions []contracts.StageTransition

	if inc.Stage == contracts.StageSuspicious && m.probableGuard(inc) {
		transitions = append(transitions, m.transition(inc, contracts.StageProbable, trigger))
	}
	if inc.Stage == contracts.StageProbable && m.confirmedGuard(inc) {
		transitions = append(transitions, m.transition(inc, contracts.StageConfirmed, trigger))
	}
	return transitions, nil
}

func (m *Machine) probableGuard(inc *contracts.Incident) bool {
	return inc.Confidence >= m.thresholds.Probable && inc.CorroborationCount >= MinCorroboration
}

// confirmedGuard additionally requires fresh corroboration: at least one
// CORROBORATING item at or after the PROBABLE transition. Stale
// corroboration from before the incident became PROBABLE cannot confirm
// on its own.
func (m *Machine) confirmedGuard(inc *contracts.Incident) bool {
	if inc.Confidence < m.thresholds.Confirmed || inc.CorroborationCount < MinCorroboration {
		return false
	}
	if inc.LastCorroboratingAt.IsZero() {
		return false
	}
	return !inc.LastCorroboratingAt.Before(inc.StageChangedAt)
}

func (m *Machine) transition(inc *contracts.Incident, to contracts.Stage, trigger contracts.EvidenceItem) contracts.StageTransition {
	from := inc.Stage
	inc.TransitionCount++
	inc.Stage = to
	inc.StageChangedAt = trigger.ObservedAt.UTC()
	return contracts.StageTransition{
		IncidentID:                inc.IncidentID,
		TransitionSeq:             inc.TransitionCount,
		FromStage:                 from,
		ToStage:                   to,
		ConfidenceAtTransition:    inc.Confidence,
		EvidenceCountAtTransition: inc.EvidenceCount,
		TriggerEvidenceID:         trigger.EvidenceID,
		TransitionedAt:            trigger.ObservedAt.UTC(),
	}
}

// CreationTransition builds the implicit CLEAN -> SUSPICIOUS row for a
// newly opened incident.
func CreationTransition(inc *contracts.Incident, trigger contracts.EvidenceItem) contracts.StageTransition {
	inc.TransitionCount++
	inc.StageChangedAt = trigger.ObservedAt.UTC()
	return contracts.StageTransition{
		IncidentID:                inc.IncidentID,
		TransitionSeq:             inc.TransitionCount,
		FromStage:                 contracts.StageClean,
		ToStage:                   contracts.StageSuspicious,
		ConfidenceAtTransition:    inc.Confidence,
		EvidenceCountAtTransition: inc.EvidenceCount,
		TriggerEvidenceID:         trigger.EvidenceID,
		TransitionedAt:            trigger.ObservedAt.UTC(),
	}
}

func (m *Machine) checkStructure(inc *contracts.Incident) error {
	if inc.Stage.Rank() <= contracts.StageClean.Rank() {
		return fmt.Errorf("%w: incident %s has invalid stage %q", contracts.ErrStateGuard, inc.IncidentID, inc.Stage)
	}
	if inc.Confidence < contracts.ScoreZero || inc.Confidence > contracts.ScoreMax {
		return fmt.Errorf("%w: incident %s confidence %d outside bounds", contracts.ErrStateGuard, inc.IncidentID, inc.Confidence)
	}
	if inc.CorroborationCount < 0 {
		return fmt.Errorf("%w: incident %s negative corroboration count %d", contracts.ErrStateGuard, inc.IncidentID, inc.CorroborationCount)
	}
	return nil
}
