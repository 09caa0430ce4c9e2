package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func obs(kind contracts.SensorKind, at time.Time) contracts.Observation {
	return contracts.Observation{EventID: uuid.New(), SensorKind: kind, ObservedAt: at}
}

func TestDeceptionAlwaysCorroboratesAtMaxWeight(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	decoy := obs(contracts.SensorDeception, t0)
	decoy.DecoyID, decoy.Interaction = "decoy-smb-01", "auth_attempt"

	v := e.Evaluate(decoy, nil)
	require.Equal(t, contracts.Corroborating, v.Classification)
	require.Equal(t, RuleDeceptionConfirmation, v.Rule)
	require.Equal(t, e.Table().Weight(contracts.SensorDeception), v.Weight)

	// Against a non-empty set too.
	v = e.Evaluate(decoy, []contracts.Observation{obs(contracts.SensorProcess, t0)})
	require.Equal(t, contracts.Corroborating, v.Classification)
}

func TestHostNetworkCorroborationBidirectional(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	intent := obs(contracts.SensorNetworkIntent, t0)
	intent.RemoteAddr, intent.RemotePort = "203.0.113.9", 443

	flow := obs(contracts.SensorFlow, t0.Add(2*time.Minute))
	flow.RemoteAddr, flow.RemotePort = "203.0.113.9", 443

	pairWeight := e.Table().Weight(contracts.SensorNetworkIntent) + e.Table().Weight(contracts.SensorFlow)

	v := e.Evaluate(flow, []contracts.Observation{intent})
	require.Equal(t, contracts.Corroborating, v.Classification)
	require.Equal(t, RuleHostNetworkCorroboration, v.Rule)
	require.Equal(t, pairWeight, v.Weight)
	require.Equal(t, []contracts.SensorKind{contracts.SensorNetworkIntent}, v.PartnerKinds)

	v = e.Evaluate(intent, []contracts.Observation{flow})
	require.Equal(t, contracts.Corroborating, v.Classification)
	require.Equal(t, []contracts.SensorKind{contracts.SensorFlow}, v.PartnerKinds)
}

func TestHostNetworkRequiresExactMatchAndWindow(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	intent := obs(contracts.SensorNetworkIntent, t0)
	intent.RemoteAddr, intent.RemotePort = "203.0.113.9", 443

	// Different port: no match.
	flow := obs(contracts.SensorFlow, t0)
	flow.RemoteAddr, flow.RemotePort = "203.0.113.9", 8443
	v := e.Evaluate(flow, []contracts.Observation{intent})
	require.Equal(t, contracts.Neutral, v.Classification)

	// Outside the overlap window: no match.
	late := obs(contracts.SensorFlow, t0.Add(time.Hour))
	late.RemoteAddr, late.RemotePort = "203.0.113.9", 443
	v = e.Evaluate(late, []contracts.Observation{intent})
	require.Equal(t, contracts.Neutral, v.Classification)
}

func TestExecTimingContradiction(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	persist := obs(contracts.SensorPersistence, t0)
	persist.ArtifactPath = "/etc/cron.d/updater"
	persist.TargetPath = "/opt/updater/run"
	persist.CreatedAt = t0

	// Process claims it started ten minutes before its launcher existed.
	proc := obs(contracts.SensorProcess, t0.Add(time.Minute))
	proc.ExePath, proc.ProcAction = "/opt/updater/run", "exec"
	proc.StartedAt = t0.Add(-10 * time.Minute)

	v := e.Evaluate(proc, []contracts.Observation{persist})
	require.Equal(t, contracts.Contradicting, v.Classification)
	require.Equal(t, RuleExecTimingContradiction, v.Rule)
	require.Equal(t, e.Table().Weight(contracts.SensorProcess), v.Weight)

	// Reverse arrival order fires the same rule.
	v = e.Evaluate(persist, []contracts.Observation{proc})
	require.Equal(t, contracts.Contradicting, v.Classification)
}

func TestExecTimingWithinSkewIsNotContradiction(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	persist := obs(contracts.SensorPersistence, t0)
	persist.TargetPath = "/opt/updater/run"
	persist.CreatedAt = t0

	proc := obs(contracts.SensorProcess, t0.Add(time.Minute))
	proc.ExePath, proc.ProcAction = "/opt/updater/run", "exec"
	proc.StartedAt = t0.Add(-time.Minute) // inside 120s skew

	v := e.Evaluate(proc, []contracts.Observation{persist})
	require.NotEqual(t, contracts.Contradicting, v.Classification)
}

func TestPersistenceSilenceContradiction(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	persist := obs(contracts.SensorPersistence, t0)
	persist.ArtifactPath = "/etc/systemd/system/shadow.service"
	persist.TargetPath = "/usr/local/bin/shadow"
	persist.CreatedAt = t0

	absent := obs(contracts.SensorProcess, t0.Add(20*time.Minute))
	absent.ExePath, absent.ProcAction = "/usr/local/bin/shadow", "absent"

	v := e.Evaluate(absent, []contracts.Observation{persist})
	require.Equal(t, contracts.Contradicting, v.Classification)
	require.Equal(t, RulePersistenceSilence, v.Rule)

	// Inside the silence bound there is no contradiction yet.
	early := obs(contracts.SensorProcess, t0.Add(5*time.Minute))
	early.ExePath, early.ProcAction = "/usr/local/bin/shadow", "absent"
	v = e.Evaluate(early, []contracts.Observation{persist})
	require.Equal(t, contracts.Neutral, v.Classification)
}

func TestRepeatSignalCorroboratesOwnKindOnly(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	first := obs(contracts.SensorProcess, t0)
	first.ExePath, first.ProcAction = "/usr/bin/xmrig", "exec"

	second := obs(contracts.SensorProcess, t0.Add(time.Minute))
	second.ExePath, second.ProcAction = "/usr/bin/xmrig", "exec"

	v := e.Evaluate(second, []contracts.Observation{first})
	require.Equal(t, contracts.Corroborating, v.Classification)
	require.Equal(t, RuleRepeatSignalCorroboration, v.Rule)
	require.Empty(t, v.PartnerKinds)
	require.Equal(t, e.Table().Weight(contracts.SensorProcess), v.Weight)
}

func TestNeutralAgainstEmptySet(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	proc := obs(contracts.SensorProcess, t0)
	proc.ExePath, proc.ProcAction = "/usr/bin/curl", "exec"

	v := e.Evaluate(proc, nil)
	require.Equal(t, contracts.Neutral, v.Classification)
	require.Equal(t, contracts.ScoreZero, v.Weight)
	require.Empty(t, v.Rule)
}

func TestContradictionOutranksCorroboration(t *testing.T) {
	e := NewEvaluator(DefaultTable())

	// Existing evidence holds both a matching persistence (timing
	// contradiction) and a matching flow (host/network corroboration).
	persist := obs(contracts.SensorPersistence, t0)
	persist.TargetPath = "/opt/x/run"
	persist.CreatedAt = t0

	proc := obs(contracts.SensorProcess, t0.Add(time.Minute))
	proc.ExePath, proc.ProcAction = "/opt/x/run", "exec"
	proc.StartedAt = t0.Add(-time.Hour)

	prior := obs(contracts.SensorProcess, t0.Add(30*time.Second))
	prior.ExePath, prior.ProcAction = "/opt/x/run", "exec"

	v := e.Evaluate(proc, []contracts.Observation{prior, persist})
	require.Equal(t, contracts.Contradicting, v.Classification)
}

func TestTableValidation(t *testing.T) {
	bad := DefaultTable()
	bad.Version = "not-semver"
	require.ErrorIs(t, bad.validate(), contracts.ErrRuleTable)

	bad = DefaultTable()
	delete(bad.Weights, contracts.SensorFlow)
	require.ErrorIs(t, bad.validate(), contracts.ErrRuleTable)

	bad = DefaultTable()
	bad.Weights[contracts.SensorProcess] = 90 // above deception weight
	require.ErrorIs(t, bad.validate(), contracts.ErrRuleTable)

	bad = DefaultTable()
	bad.Bounds.PairOverlapSeconds = 0
	require.ErrorIs(t, bad.validate(), contracts.ErrRuleTable)
}

func TestIdentityCompatible(t *testing.T) {
	tab := DefaultTable()
	require.True(t, tab.IdentityCompatible("1.0.0"))
	require.False(t, tab.IdentityCompatible("1.1.0"))
	require.False(t, tab.IdentityCompatible("2.0.0"))
	require.False(t, tab.IdentityCompatible("garbage"))
}

func TestIdentityCompatibleTracksCurrentVersion(t *testing.T) {
	// The comparison must follow the Version field, not a parse cached
	// at validation time.
	tab := DefaultTable()
	tab.Version = "9.9.9"
	require.False(t, tab.IdentityCompatible("1.0.0"))
	require.True(t, tab.IdentityCompatible("9.9.9"))

	tab.Version = "not-semver"
	require.False(t, tab.IdentityCompatible("1.0.0"))
}
