package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Stage is the lifecycle stage of an incident. CLEAN is a virtual
// pre-state: it exists only as the implicit origin of the first
// transition and is never persisted on an incident row.
type Stage string

const (
	StageClean      Stage = "CLEAN"
	StageSuspicious Stage = "SUSPICIOUS"
	StageProbable   Stage = "PROBABLE"
	StageConfirmed  Stage = "CONFIRMED"
)

// Rank returns the position of the stage in the forward-only walk.
// Higher rank is strictly later; CONFIRMED is terminal.
func (s Stage) Rank() int {
	switch s {
	case StageClean:
		return 0
	case StageSuspicious:
		return 1
	case StageProbable:
		return 2
	case StageConfirmed:
		return 3
	}
	return -1
}

// Terminal reports whether no transition may originate from s.
func (s Stage) Terminal() bool {
	return s == StageConfirmed
}

// Incident is the engine-owned correlation of evidence for one subject
// key within one deduplication window. Downstream consumers read it;
// only the ledger writer's atomic commit mutates it.
//
// Incident does not hold its evidence items in memory, only aggregate
// counters; evidence carries the non-owning back-reference.
type Incident struct {
	IncidentID uuid.UUID `json:"incident_id"`
	SubjectKey string    `json:"subject_key"`
	Stage      Stage     `json:"stage"`
	Confidence Score     `json:"confidence"`

	// CorroborationCount counts distinct sensor kinds that have
	// contributed CORROBORATING evidence, not raw event count.
	CorroborationCount int `json:"corroboration_count"`

	// CorroboratedKinds is the sorted set behind CorroborationCount,
	// persisted so distinct-kind counting survives restarts.
	CorroboratedKinds []SensorKind `json:"corroborated_kinds,omitempty"`

	RuleTableVersion string `json:"rule_table_version"`

	FirstObservedAt time.Time `json:"first_observed_at"`
	LastObservedAt  time.Time `json:"last_observed_at"`
	StageChangedAt  time.Time `json:"stage_changed_at"`

	// LastCorroboratingAt backs the freshness guard for CONFIRMED:
	// stale corroboration alone cannot confirm.
	LastCorroboratingAt time.Time `json:"last_corroborating_at,omitempty"`

	EvidenceCount   int `json:"evidence_count"`
	TransitionCount int `json:"transition_count"`
}

// HasCorroborationFrom reports whether the sensor kind has already
// contributed a CORROBORATING item to this incident.
func (inc *Incident) HasCorroborationFrom(kind SensorKind) bool {
	for _, k := range inc.CorroboratedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// StageTransition is one append-only row in an incident's transition
// history. FromStage is CLEAN for the creation transition.
// TransitionedAt derives from the triggering event's observed_at, never
// from wall clock, so replays reproduce it exactly.
type StageTransition struct {
	IncidentID                uuid.UUID `json:"incident_id"`
	TransitionSeq             int       `json:"transition_seq"`
	FromStage                 Stage     `json:"from_stage"`
	ToStage                   Stage     `json:"to_stage"`
	ConfidenceAtTransition    Score     `json:"confidence_at_transition"`
	EvidenceCountAtTransition int       `json:"evidence_count_at_transition"`
	TriggerEvidenceID         uuid.UUID `json:"trigger_evidence_id"`
	TransitionedAt            time.Time `json:"transitioned_at"`
}
