// Package accumulator folds classified evidence into an incident's
// bounded confidence score and its distinct-sensor corroboration set.
//
// The fold is a pure function of the ordered evidence sequence and the
// weight table: clamp(old + signed_weight, 0, max). Because clamping
// saturates, the fold is order-dependent — which is exactly why the
// sequencer's canonical order is load-bearing for replay identity.
package accumulator

import (
	"fmt"
	"sort"
	"time"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/rules"
)

// DecayUnit is the fixed-point denominator for the contradiction decay
// factor: a factor of 1.0 (full offsetting) is 100 units.
const DecayUnit int64 = 100

// Accumulator applies evidence verdicts to incidents. The contradiction
// decay factor is pinned at construction; integer fixed-point arithmetic
// keeps every fold exact.
type Accumulator struct {
	decay int64 // hundredths of the decay factor
}

// New validates the decay factor (hundredths; 100 = full offsetting) and
// returns an accumulator. Factors above 2.0 are rejected as table
// misconfiguration.
func New(decayHundredths int64) (*Accumulator, error) {
	if decayHundredths < 0 || decayHundredths > 2*DecayUnit {
		return nil, fmt.Errorf("%w: contradiction decay factor %d/100 out of range [0,2.0]", contracts.ErrRuleTable, decayHundredths)
	}
	return &Accumulator{decay: decayHundredths}, nil
}

// Contribution returns the signed confidence delta for a verdict, before
// clamping: +weight for CORROBORATING, -weight*decay for CONTRADICTING,
// zero for NEUTRAL.
func (a *Accumulator) Contribution(v rules.Verdict) contracts.Score {
	switch v.Classification {
	case contracts.Corroborating:
		return v.Weight
	case contracts.Contradicting:
		return contracts.Score(-(int64(v.Weight) * a.decay) / DecayUnit)
	default:
		return contracts.ScoreZero
	}
}

// Apply folds one evidence item into the incident: confidence, the
// distinct-kind corroboration set, evidence counters, and the timestamps
// the state machine guards read. The incident is mutated in place; the
// caller owns single-writer discipline per incident.
//
// A structurally impossible starting state (confidence out of bounds,
// negative corroboration count) is a fatal state guard violation, never
// silently repaired.
func (a *Accumulator) Apply(inc *contracts.Incident, item contracts.EvidenceItem, v rules.Verdict) error {
	if inc.Confidence < contracts.ScoreZero || inc.Confidence > contracts.ScoreMax {
		return fmt.Errorf("%w: incident %s confidence %d outside [0,%d]", contracts.ErrStateGuard, inc.IncidentID, inc.Confidence, contracts.ScoreMax)
	}
	if inc.CorroborationCount < 0 || inc.CorroborationCount != len(inc.CorroboratedKinds) {
		return fmt.Errorf("%w: incident %s corroboration count %d disagrees with kind set %v", contracts.ErrStateGuard, inc.IncidentID, inc.CorroborationCount, inc.CorroboratedKinds)
	}

	inc.Confidence = (inc.Confidence + a.Contribution(v)).Clamp()
	inc.EvidenceCount++

	observed := item.ObservedAt.UTC()
	if inc.FirstObservedAt.IsZero() || observed.Before(inc.FirstObservedAt) {
		inc.FirstObservedAt = observed
	}
	if observed.After(inc.LastObservedAt) {
		inc.LastObservedAt = observed
	}

	if v.Classification != contracts.Corroborating {
		return nil
	}

	if observed.After(inc.LastCorroboratingAt) {
		inc.LastCorroboratingAt = observed
	}

	// Distinct-sensor-kind counting: the arriving kind plus any matched
	// partner kinds enter the set once each.
	addKind(inc, item.SensorKind)
	for _, kind := range v.PartnerKinds {
		addKind(inc, kind)
	}
	inc.CorroborationCount = len(inc.CorroboratedKinds)
	return nil
}

func addKind(inc *contracts.Incident, kind contracts.SensorKind) {
	if inc.HasCorroborationFrom(kind) {
		return
	}
	inc.CorroboratedKinds = append(inc.CorroboratedKinds, kind)
	sort.Slice(inc.CorroboratedKinds, func(i, j int) bool {
		return inc.CorroboratedKinds[i] < inc.CorroboratedKinds[j]
	})
}

// Touch updates only the observation bounds for a NEUTRAL item applied
// to a freshly opened incident before any weight exists.
func Touch(inc *contracts.Incident, observedAt time.Time) {
	observed := observedAt.UTC()
	if inc.FirstObservedAt.IsZero() || observed.Before(inc.FirstObservedAt) {
		inc.FirstObservedAt = observed
	}
	if observed.After(inc.LastObservedAt) {
		inc.LastObservedAt = observed
	}
}
