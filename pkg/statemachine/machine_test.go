package statemachine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaults(t *testing.T) *Machine {
	t.Helper()
	m, err := New(Thresholds{
		Probable:  contracts.ScoreFromPoints(30),
		Confirmed: contracts.ScoreFromPoints(70),
	})
	require.NoError(t, err)
	return m
}

func suspicious() *contracts.Incident {
	return &contracts.Incident{
		IncidentID:      uuid.New(),
		SubjectKey:      "m-01",
		Stage:           contracts.StageSuspicious,
		StageChangedAt:  t0,
		TransitionCount: 1,
	}
}

func trigger(at time.Time) contracts.EvidenceItem {
	return contracts.EvidenceItem{EvidenceID: uuid.New(), ObservedAt: at}
}

func TestNoTransitionBelowThreshold(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Confidence = contracts.ScoreFromPoints(20)
	inc.CorroborationCount = 2

	trs, err := m.Advance(inc, trigger(t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Empty(t, trs)
	require.Equal(t, contracts.StageSuspicious, inc.Stage)
}

func TestNoSingleSensorEscalation(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Confidence = contracts.ScoreMax // confidence alone never suffices
	inc.CorroborationCount = 1
	inc.CorroboratedKinds = []contracts.SensorKind{contracts.SensorProcess}
	inc.LastCorroboratingAt = t0.Add(time.Minute)

	trs, err := m.Advance(inc, trigger(t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Empty(t, trs)
}

func TestSuspiciousToProbable(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Confidence = contracts.ScoreFromPoints(32)
	inc.CorroborationCount = 2
	inc.LastCorroboratingAt = t0.Add(time.Minute)

	trs, err := m.Advance(inc, trigger(t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	require.Equal(t, contracts.StageSuspicious, trs[0].FromStage)
	require.Equal(t, contracts.StageProbable, trs[0].ToStage)
	require.Equal(t, t0.Add(time.Minute), trs[0].TransitionedAt)
	require.Equal(t, 2, trs[0].TransitionSeq)
	require.Equal(t, contracts.StageProbable, inc.Stage)
}

func TestDoubleThresholdMaterializesBothRows(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Confidence = contracts.ScoreFromPoints(80)
	inc.CorroborationCount = 2
	inc.LastCorroboratingAt = t0.Add(time.Minute)

	trs, err := m.Advance(inc, trigger(t0.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, trs, 2)
	require.Equal(t, contracts.StageProbable, trs[0].ToStage)
	require.Equal(t, contracts.StageConfirmed, trs[1].ToStage)
	require.Equal(t, trs[0].TransitionSeq+1, trs[1].TransitionSeq)
	require.False(t, trs[1].TransitionedAt.Before(trs[0].TransitionedAt))
	require.Equal(t, contracts.StageConfirmed, inc.Stage)
}

func TestStaleCorroborationCannotConfirm(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Stage = contracts.StageProbable
	inc.StageChangedAt = t0.Add(10 * time.Minute)
	inc.Confidence = contracts.ScoreFromPoints(75)
	inc.CorroborationCount = 2
	// Last corroborating item predates the PROBABLE transition.
	inc.LastCorroboratingAt = t0.Add(5 * time.Minute)

	trs, err := m.Advance(inc, trigger(t0.Add(11*time.Minute)))
	require.NoError(t, err)
	require.Empty(t, trs)
	require.Equal(t, contracts.StageProbable, inc.Stage)
}

func TestFreshCorroborationConfirms(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Stage = contracts.StageProbable
	inc.StageChangedAt = t0.Add(10 * time.Minute)
	inc.Confidence = contracts.ScoreFromPoints(75)
	inc.CorroborationCount = 2
	inc.LastCorroboratingAt = t0.Add(12 * time.Minute)

	trs, err := m.Advance(inc, trigger(t0.Add(12*time.Minute)))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	require.Equal(t, contracts.StageConfirmed, trs[0].ToStage)
}

func TestConfirmedIsTerminal(t *testing.T) {
	m := defaults(t)
	inc := suspicious()
	inc.Stage = contracts.StageConfirmed
	inc.Confidence = contracts.ScoreMax
	inc.CorroborationCount = 5
	inc.LastCorroboratingAt = t0.Add(time.Hour)

	trs, err := m.Advance(inc, trigger(t0.Add(2*time.Hour)))
	require.NoError(t, err)
	require.Empty(t, trs)
	require.Equal(t, contracts.StageConfirmed, inc.Stage)
}

func TestStructuralViolationsAreFatal(t *testing.T) {
	m := defaults(t)

	inc := suspicious()
	inc.Stage = contracts.Stage("WOBBLY")
	_, err := m.Advance(inc, trigger(t0))
	require.ErrorIs(t, err, contracts.ErrStateGuard)

	inc = suspicious()
	inc.CorroborationCount = -3
	_, err = m.Advance(inc, trigger(t0))
	require.ErrorIs(t, err, contracts.ErrStateGuard)

	inc = suspicious()
	inc.Confidence = contracts.ScoreMax + 100
	_, err = m.Advance(inc, trigger(t0))
	require.ErrorIs(t, err, contracts.ErrStateGuard)
}

func TestThresholdValidation(t *testing.T) {
	_, err := New(Thresholds{Probable: contracts.ScoreFromPoints(70), Confirmed: contracts.ScoreFromPoints(30)})
	require.ErrorIs(t, err, contracts.ErrStateGuard)
	_, err = New(Thresholds{Probable: 0, Confirmed: contracts.ScoreFromPoints(70)})
	require.ErrorIs(t, err, contracts.ErrStateGuard)
}

func TestCreationTransition(t *testing.T) {
	inc := &contracts.Incident{IncidentID: uuid.New(), Stage: contracts.StageSuspicious}
	tr := CreationTransition(inc, trigger(t0))
	require.Equal(t, contracts.StageClean, tr.FromStage)
	require.Equal(t, contracts.StageSuspicious, tr.ToStage)
	require.Equal(t, 1, tr.TransitionSeq)
	require.Equal(t, t0, tr.TransitionedAt)
}
