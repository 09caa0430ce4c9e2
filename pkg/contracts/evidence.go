package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Classification is the outcome of evaluating an event against an
// incident's existing evidence set.
type Classification string

const (
	Corroborating Classification = "CORROBORATING"
	Contradicting Classification = "CONTRADICTING"
	Neutral       Classification = "NEUTRAL"
)

// Score is a confidence quantity in hundredths of a confidence point.
// The domain range [0,100] maps to [0,10000]. Integer arithmetic keeps
// accumulation exact and replay byte-identical; floats never enter the
// confidence path.
type Score int64

const (
	ScoreZero Score = 0
	ScoreMax  Score = 10000
)

// ScoreFromPoints converts whole-number confidence points (e.g. a
// threshold of 30) to a Score.
func ScoreFromPoints(points int64) Score {
	return Score(points * 100)
}

// Points returns the score in confidence points. Display only; guard
// comparisons operate on Score directly.
func (s Score) Points() float64 {
	return float64(s) / 100
}

// Clamp bounds the score to [0, ScoreMax].
func (s Score) Clamp() Score {
	if s < ScoreZero {
		return ScoreZero
	}
	if s > ScoreMax {
		return ScoreMax
	}
	return s
}

// EvidenceItem is the immutable record linking a raw event to an incident
// together with its classification and weight at evaluation time.
//
// EvidenceID is a deterministic function of (event, incident); replaying
// the same raw log against the same rule table reproduces identical ids,
// which is what makes replay idempotent at the store boundary.
type EvidenceItem struct {
	EvidenceID     uuid.UUID      `json:"evidence_id"`
	IncidentID     uuid.UUID      `json:"incident_id"`
	EventID        uuid.UUID      `json:"event_id"`
	SensorKind     SensorKind     `json:"sensor_kind"`
	Classification Classification `json:"classification"`
	SignalWeight   Score          `json:"signal_weight"`
	RuleKind       string         `json:"rule_kind,omitempty"`
	ObservedAt     time.Time      `json:"observed_at"`
}
