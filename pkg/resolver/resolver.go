// Package resolver maps raw events to logical subjects and routes them
// to an existing or newly opened incident.
//
// Subject key derivation is explicit precedence, never heuristic:
// machine identity plus process identity when the sensor asserted one,
// machine identity alone otherwise. Principals never enter the key; an
// identity event scopes to the machine it was observed on.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// IncidentFinder looks up the active incident for a subject key, if any.
// Implemented by the incident store.
type IncidentFinder interface {
	// FindActive returns the incident with the given subject key whose
	// last_observed_at lies within the window of asOf, or nil.
	FindActive(ctx context.Context, subjectKey string, asOf time.Time, window time.Duration) (*contracts.Incident, error)
}

// Resolver routes events to incidents within the deduplication window.
type Resolver struct {
	finder IncidentFinder
	window time.Duration
}

// New returns a resolver with the given dedup window. The window must be
// positive; zero would collapse every event into its own incident.
func New(finder IncidentFinder, window time.Duration) (*Resolver, error) {
	if finder == nil {
		return nil, fmt.Errorf("resolver: incident finder is required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("resolver: dedup window must be positive, got %s", window)
	}
	return &Resolver{finder: finder, window: window}, nil
}

// SubjectKey derives the deterministic deduplication key for an event.
func SubjectKey(subject contracts.SubjectKeys) string {
	if subject.ProcessKey != "" {
		return subject.MachineID + "/" + subject.ProcessKey
	}
	return subject.MachineID
}

// Resolution is the outcome of routing one event.
type Resolution struct {
	Incident *contracts.Incident
	// Opened is true when the incident was created for this event. The
	// caller must persist it atomically with the evidence item.
	Opened bool
}

// Resolve finds the incident for an event, or opens one when the event
// qualifies as minimum evidence (opens=true). Events outside the window
// of a prior incident for the same subject open a fresh incident rather
// than reopening the old one: incident lifetime is time-bounded by
// design. Returns a nil incident when no incident exists and the event
// does not qualify to open one.
func (r *Resolver) Resolve(ctx context.Context, ev contracts.RawEvent, opens bool) (Resolution, error) {
	key := SubjectKey(ev.Subject)

	existing, err := r.finder.FindActive(ctx, key, ev.ObservedAt.UTC(), r.window)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: find incident for subject %q: %v", contracts.ErrPersistence, key, err)
	}
	if existing != nil {
		return Resolution{Incident: existing}, nil
	}
	if !opens {
		return Resolution{}, nil
	}

	observed := ev.ObservedAt.UTC()
	inc := &contracts.Incident{
		IncidentID:      contracts.DeriveIncidentID(key, ev.EventID),
		SubjectKey:      key,
		Stage:           contracts.StageSuspicious,
		Confidence:      contracts.ScoreZero,
		FirstObservedAt: observed,
		LastObservedAt:  observed,
		StageChangedAt:  observed,
	}
	return Resolution{Incident: inc, Opened: true}, nil
}

// Window returns the configured deduplication window.
func (r *Resolver) Window() time.Duration {
	return r.window
}
