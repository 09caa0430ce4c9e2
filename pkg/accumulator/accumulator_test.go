package accumulator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/rules"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIncident() *contracts.Incident {
	return &contracts.Incident{
		IncidentID: uuid.New(),
		SubjectKey: "m-01",
		Stage:      contracts.StageSuspicious,
	}
}

func item(kind contracts.SensorKind, at time.Time) contracts.EvidenceItem {
	return contracts.EvidenceItem{
		EvidenceID: uuid.New(),
		EventID:    uuid.New(),
		SensorKind: kind,
		ObservedAt: at,
	}
}

func TestCorroboratingAddsWeight(t *testing.T) {
	a, err := New(DecayUnit)
	require.NoError(t, err)

	inc := newIncident()
	v := rules.Verdict{Classification: contracts.Corroborating, Weight: contracts.ScoreFromPoints(20)}
	require.NoError(t, a.Apply(inc, item(contracts.SensorFlow, t0), v))

	require.Equal(t, contracts.ScoreFromPoints(20), inc.Confidence)
	require.Equal(t, 1, inc.CorroborationCount)
	require.Equal(t, []contracts.SensorKind{contracts.SensorFlow}, inc.CorroboratedKinds)
	require.Equal(t, t0, inc.LastCorroboratingAt)
}

func TestContradictionSubtractsWithDecay(t *testing.T) {
	// Full offsetting.
	a, err := New(DecayUnit)
	require.NoError(t, err)

	inc := newIncident()
	inc.Confidence = contracts.ScoreFromPoints(50)
	v := rules.Verdict{Classification: contracts.Contradicting, Weight: contracts.ScoreFromPoints(15)}
	require.NoError(t, a.Apply(inc, item(contracts.SensorProcess, t0), v))
	require.Equal(t, contracts.ScoreFromPoints(35), inc.Confidence)
	require.Equal(t, 0, inc.CorroborationCount)

	// Half decay.
	half, err := New(50)
	require.NoError(t, err)
	inc2 := newIncident()
	inc2.Confidence = contracts.ScoreFromPoints(50)
	require.NoError(t, half.Apply(inc2, item(contracts.SensorProcess, t0), v))
	require.Equal(t, contracts.Score(4250), inc2.Confidence) // 50 - 15*0.5 = 42.50
}

func TestNeutralContributesNothing(t *testing.T) {
	a, err := New(DecayUnit)
	require.NoError(t, err)

	inc := newIncident()
	require.NoError(t, a.Apply(inc, item(contracts.SensorDNS, t0), rules.Verdict{Classification: contracts.Neutral}))
	require.Equal(t, contracts.ScoreZero, inc.Confidence)
	require.Equal(t, 0, inc.CorroborationCount)
	require.Equal(t, 1, inc.EvidenceCount)
}

func TestDistinctSensorKindCounting(t *testing.T) {
	a, err := New(DecayUnit)
	require.NoError(t, err)

	inc := newIncident()
	v := rules.Verdict{Classification: contracts.Corroborating, Weight: contracts.ScoreFromPoints(10)}

	// Same kind three times still counts once.
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Apply(inc, item(contracts.SensorProcess, t0.Add(time.Duration(i)*time.Minute)), v))
	}
	require.Equal(t, 1, inc.CorroborationCount)

	// A partner kind credited through a pairwise match counts too.
	paired := rules.Verdict{
		Classification: contracts.Corroborating,
		Weight:         contracts.ScoreFromPoints(32),
		PartnerKinds:   []contracts.SensorKind{contracts.SensorNetworkIntent},
	}
	require.NoError(t, a.Apply(inc, item(contracts.SensorFlow, t0.Add(5*time.Minute)), paired))
	require.Equal(t, 3, inc.CorroborationCount)
	require.Equal(t,
		[]contracts.SensorKind{contracts.SensorFlow, contracts.SensorNetworkIntent, contracts.SensorProcess},
		inc.CorroboratedKinds)
}

func TestStructurallyImpossibleStateIsFatal(t *testing.T) {
	a, err := New(DecayUnit)
	require.NoError(t, err)

	inc := newIncident()
	inc.Confidence = contracts.ScoreMax + 1
	err = a.Apply(inc, item(contracts.SensorProcess, t0), rules.Verdict{Classification: contracts.Neutral})
	require.ErrorIs(t, err, contracts.ErrStateGuard)

	inc2 := newIncident()
	inc2.CorroborationCount = -1
	err = a.Apply(inc2, item(contracts.SensorProcess, t0), rules.Verdict{Classification: contracts.Neutral})
	require.ErrorIs(t, err, contracts.ErrStateGuard)
}

func TestDecayFactorValidation(t *testing.T) {
	_, err := New(-1)
	require.ErrorIs(t, err, contracts.ErrRuleTable)
	_, err = New(250)
	require.ErrorIs(t, err, contracts.ErrRuleTable)
	_, err = New(0)
	require.NoError(t, err)
}
