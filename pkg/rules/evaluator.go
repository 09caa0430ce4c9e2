package rules

import (
	"time"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// Verdict is the result of evaluating one observation against an
// incident's existing evidence set.
type Verdict struct {
	Classification contracts.Classification
	Weight         contracts.Score
	Rule           RuleKind

	// PartnerKinds are the sensor kinds of the matched counterpart
	// observations when a pairwise corroboration rule fires. The
	// accumulator credits those kinds as corroborating alongside the
	// arriving event's own kind.
	PartnerKinds []contracts.SensorKind
}

// Evaluator classifies observations against a pinned rule table.
type Evaluator struct {
	table *Table
}

// NewEvaluator returns an evaluator bound to a validated table.
func NewEvaluator(t *Table) *Evaluator {
	return &Evaluator{table: t}
}

// Table returns the pinned rule table.
func (e *Evaluator) Table() *Table {
	return e.table
}

// Evaluate walks the rule kinds in fixed precedence order and returns the
// verdict of the first rule that fires. Zero firing rules is NEUTRAL with
// zero weight; a NEUTRAL item is still recorded for audit completeness.
//
// Precedence: deception confirmation, then the two contradiction rules,
// then the corroboration rules. Contradictions outrank corroborations so
// a simultaneous match cannot mask inconsistent evidence.
func (e *Evaluator) Evaluate(obs contracts.Observation, existing []contracts.Observation) Verdict {
	if v, ok := e.deceptionConfirmation(obs); ok {
		return v
	}
	if v, ok := e.execTimingContradiction(obs, existing); ok {
		return v
	}
	if v, ok := e.persistenceSilence(obs, existing); ok {
		return v
	}
	if v, ok := e.hostNetworkCorroboration(obs, existing); ok {
		return v
	}
	if v, ok := e.repeatSignal(obs, existing); ok {
		return v
	}
	return Verdict{Classification: contracts.Neutral, Weight: contracts.ScoreZero}
}

// deceptionConfirmation: any interaction with a decoy asset is always
// CORROBORATING at the maximal table weight, even against an empty
// evidence set. Decoys have no legitimate consumers.
func (e *Evaluator) deceptionConfirmation(obs contracts.Observation) (Verdict, bool) {
	if obs.SensorKind != contracts.SensorDeception {
		return Verdict{}, false
	}
	return Verdict{
		Classification: contracts.Corroborating,
		Weight:         e.table.Weight(contracts.SensorDeception),
		Rule:           RuleDeceptionConfirmation,
	}, true
}

// execTimingContradiction: a process claims to have started earlier than
// the persistence artifact that launches it was created, beyond the
// allowed clock skew. Matches on target_path == exe_path only.
func (e *Evaluator) execTimingContradiction(obs contracts.Observation, existing []contracts.Observation) (Verdict, bool) {
	skew := e.table.Bounds.execSkew()

	switch obs.SensorKind {
	case contracts.SensorProcess:
		if obs.ProcAction != "exec" || obs.StartedAt.IsZero() {
			return Verdict{}, false
		}
		for _, prior := range existing {
			if prior.SensorKind == contracts.SensorPersistence &&
				prior.TargetPath != "" && prior.TargetPath == obs.ExePath &&
				execBeforeArtifact(obs.StartedAt, prior.CreatedAt, skew) {
				return e.contradiction(obs, RuleExecTimingContradiction), true
			}
		}
	case contracts.SensorPersistence:
		for _, prior := range existing {
			if prior.SensorKind == contracts.SensorProcess && prior.ProcAction == "exec" &&
				!prior.StartedAt.IsZero() &&
				obs.TargetPath != "" && obs.TargetPath == prior.ExePath &&
				execBeforeArtifact(prior.StartedAt, obs.CreatedAt, skew) {
				return e.contradiction(obs, RuleExecTimingContradiction), true
			}
		}
	}
	return Verdict{}, false
}

func execBeforeArtifact(started, created time.Time, skew time.Duration) bool {
	return started.Add(skew).Before(created)
}

// persistenceSilence: a persistence artifact exists but the host agent
// attests the launch target was absent past the silence bound.
func (e *Evaluator) persistenceSilence(obs contracts.Observation, existing []contracts.Observation) (Verdict, bool) {
	bound := e.table.Bounds.silence()

	switch obs.SensorKind {
	case contracts.SensorProcess:
		if obs.ProcAction != "absent" {
			return Verdict{}, false
		}
		for _, prior := range existing {
			if prior.SensorKind == contracts.SensorPersistence &&
				prior.TargetPath != "" && prior.TargetPath == obs.ExePath &&
				obs.ObservedAt.After(prior.CreatedAt.Add(bound)) {
				return e.contradiction(obs, RulePersistenceSilence), true
			}
		}
	case contracts.SensorPersistence:
		for _, prior := range existing {
			if prior.SensorKind == contracts.SensorProcess && prior.ProcAction == "absent" &&
				obs.TargetPath != "" && obs.TargetPath == prior.ExePath &&
				prior.ObservedAt.After(obs.CreatedAt.Add(bound)) {
				return e.contradiction(obs, RulePersistenceSilence), true
			}
		}
	}
	return Verdict{}, false
}

// hostNetworkCorroboration: a local network-intent and a passively
// observed flow agree on remote address and port within the overlap
// window. The pair's combined weight is credited because two independent
// vantage points confirmed the same connection.
func (e *Evaluator) hostNetworkCorroboration(obs contracts.Observation, existing []contracts.Observation) (Verdict, bool) {
	var partnerKind contracts.SensorKind
	switch obs.SensorKind {
	case contracts.SensorNetworkIntent:
		partnerKind = contracts.SensorFlow
	case contracts.SensorFlow:
		partnerKind = contracts.SensorNetworkIntent
	default:
		return Verdict{}, false
	}

	overlap := e.table.Bounds.pairOverlap()
	for _, prior := range existing {
		if prior.SensorKind != partnerKind {
			continue
		}
		if prior.RemoteAddr == obs.RemoteAddr && prior.RemotePort == obs.RemotePort &&
			withinWindow(obs.ObservedAt, prior.ObservedAt, overlap) {
			return Verdict{
				Classification: contracts.Corroborating,
				Weight:         e.table.Weight(obs.SensorKind) + e.table.Weight(partnerKind),
				Rule:           RuleHostNetworkCorroboration,
				PartnerKinds:   []contracts.SensorKind{partnerKind},
			}, true
		}
	}
	return Verdict{}, false
}

// repeatSignal: a second observation of the same kind matching the same
// explicit key fields within the overlap window. It corroborates the
// hypothesis but only within its own sensor kind, so it can never lift
// corroboration_count past one by itself.
func (e *Evaluator) repeatSignal(obs contracts.Observation, existing []contracts.Observation) (Verdict, bool) {
	overlap := e.table.Bounds.pairOverlap()
	for _, prior := range existing {
		if prior.SensorKind != obs.SensorKind {
			continue
		}
		if !withinWindow(obs.ObservedAt, prior.ObservedAt, overlap) {
			continue
		}
		if sameSignalKey(obs, prior) {
			return Verdict{
				Classification: contracts.Corroborating,
				Weight:         e.table.Weight(obs.SensorKind),
				Rule:           RuleRepeatSignalCorroboration,
			}, true
		}
	}
	return Verdict{}, false
}

// sameSignalKey compares the identity fields of two same-kind
// observations. Exact equality only.
func sameSignalKey(a, b contracts.Observation) bool {
	switch a.SensorKind {
	case contracts.SensorProcess:
		return a.ProcAction == "exec" && b.ProcAction == "exec" && a.ExePath == b.ExePath
	case contracts.SensorFile:
		return a.FilePath == b.FilePath && a.FileOp == b.FileOp
	case contracts.SensorPersistence:
		return a.ArtifactPath == b.ArtifactPath
	case contracts.SensorNetworkIntent, contracts.SensorFlow:
		return a.RemoteAddr == b.RemoteAddr && a.RemotePort == b.RemotePort
	case contracts.SensorDNS:
		return a.QueryName == b.QueryName
	case contracts.SensorIdentity:
		return a.Principal == b.Principal && a.IDAction == b.IDAction
	}
	return false
}

func (e *Evaluator) contradiction(obs contracts.Observation, rule RuleKind) Verdict {
	return Verdict{
		Classification: contracts.Contradicting,
		Weight:         e.table.Weight(obs.SensorKind),
		Rule:           rule,
	}
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
