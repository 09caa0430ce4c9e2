package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memFinder mimics the store's window query over an in-memory incident set.
type memFinder struct {
	incidents []*contracts.Incident
}

func (f *memFinder) FindActive(_ context.Context, subjectKey string, asOf time.Time, window time.Duration) (*contracts.Incident, error) {
	for _, inc := range f.incidents {
		if inc.SubjectKey != subjectKey {
			continue
		}
		d := asOf.Sub(inc.LastObservedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return inc, nil
		}
	}
	return nil, nil
}

func event(machine, processKey string, at time.Time) contracts.RawEvent {
	return contracts.RawEvent{
		EventID:    uuid.New(),
		Subject:    contracts.SubjectKeys{MachineID: machine, ProcessKey: processKey},
		SensorKind: contracts.SensorProcess,
		ObservedAt: at,
	}
}

func TestSubjectKeyPrecedence(t *testing.T) {
	require.Equal(t, "m-01/sha:abc", SubjectKey(contracts.SubjectKeys{MachineID: "m-01", ProcessKey: "sha:abc"}))
	require.Equal(t, "m-01", SubjectKey(contracts.SubjectKeys{MachineID: "m-01"}))
	// Principal never enters the key.
	require.Equal(t, "m-01", SubjectKey(contracts.SubjectKeys{MachineID: "m-01", Principal: "root"}))
}

func TestOpensIncidentDeterministically(t *testing.T) {
	r, err := New(&memFinder{}, time.Hour)
	require.NoError(t, err)

	ev := event("m-01", "", t0)
	res, err := r.Resolve(context.Background(), ev, true)
	require.NoError(t, err)
	require.True(t, res.Opened)
	require.Equal(t, contracts.StageSuspicious, res.Incident.Stage)
	require.Equal(t, contracts.ScoreZero, res.Incident.Confidence)
	require.Equal(t, 0, res.Incident.CorroborationCount)

	// Same subject + same opening event derives the same incident id.
	res2, err := r.Resolve(context.Background(), ev, true)
	require.NoError(t, err)
	require.Equal(t, res.Incident.IncidentID, res2.Incident.IncidentID)
}

func TestRoutesToExistingWithinWindow(t *testing.T) {
	existing := &contracts.Incident{
		IncidentID:     uuid.New(),
		SubjectKey:     "m-01",
		Stage:          contracts.StageSuspicious,
		LastObservedAt: t0,
	}
	r, err := New(&memFinder{incidents: []*contracts.Incident{existing}}, time.Hour)
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), event("m-01", "", t0.Add(30*time.Minute)), true)
	require.NoError(t, err)
	require.False(t, res.Opened)
	require.Equal(t, existing.IncidentID, res.Incident.IncidentID)
}

func TestWindowBoundaryIsInclusive(t *testing.T) {
	existing := &contracts.Incident{
		IncidentID:     uuid.New(),
		SubjectKey:     "m-01",
		LastObservedAt: t0,
	}
	r, err := New(&memFinder{incidents: []*contracts.Incident{existing}}, time.Hour)
	require.NoError(t, err)

	// Exactly at the window edge: still the same incident.
	res, err := r.Resolve(context.Background(), event("m-01", "", t0.Add(time.Hour)), true)
	require.NoError(t, err)
	require.False(t, res.Opened)
	require.Equal(t, existing.IncidentID, res.Incident.IncidentID)

	// One second past: a fresh incident, never a reopen.
	res, err = r.Resolve(context.Background(), event("m-01", "", t0.Add(time.Hour+time.Second)), true)
	require.NoError(t, err)
	require.True(t, res.Opened)
	require.NotEqual(t, existing.IncidentID, res.Incident.IncidentID)
}

func TestNonQualifyingEventDoesNotOpen(t *testing.T) {
	r, err := New(&memFinder{}, time.Hour)
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), event("m-01", "", t0), false)
	require.NoError(t, err)
	require.Nil(t, res.Incident)
	require.False(t, res.Opened)
}

func TestDistinctSubjectsDistinctIncidents(t *testing.T) {
	r, err := New(&memFinder{}, time.Hour)
	require.NoError(t, err)

	a, err := r.Resolve(context.Background(), event("m-01", "", t0), true)
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), event("m-02", "", t0), true)
	require.NoError(t, err)
	require.NotEqual(t, a.Incident.IncidentID, b.Incident.IncidentID)
}

func TestInvalidWindowRejected(t *testing.T) {
	_, err := New(&memFinder{}, 0)
	require.Error(t, err)
	_, err = New(nil, time.Hour)
	require.Error(t, err)
}
