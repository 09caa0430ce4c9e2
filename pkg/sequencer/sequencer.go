// Package sequencer imposes the canonical total order over raw events.
//
// The order key is (observed_at, sensor sequence, event_id), lexicographic.
// Ingestion time never participates: two replays of the same raw log in any
// arrival order produce the same sequence, which is what makes the rest of
// the pipeline replay-stable.
package sequencer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// Sequencer validates raw events and yields them in canonical order.
// Safe for concurrent use after construction.
type Sequencer struct {
	schemas map[contracts.SensorKind]*jsonschema.Schema
}

// New compiles the payload schemas and returns a ready sequencer.
func New() (*Sequencer, error) {
	schemas, err := compilePayloadSchemas()
	if err != nil {
		return nil, err
	}
	return &Sequencer{schemas: schemas}, nil
}

// Validate checks the deterministic ordering fields and the payload schema
// of a single event. Violations are MalformedEventError (fail-closed for
// the event, not the batch).
func (s *Sequencer) Validate(ev contracts.RawEvent) error {
	if ev.EventID == uuid.Nil {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: "missing event_id"}
	}
	if ev.ObservedAt.IsZero() {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: "missing observed_at"}
	}
	if !ev.SensorKind.Valid() {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: fmt.Sprintf("unknown sensor kind %q", ev.SensorKind)}
	}
	if ev.Subject.MachineID == "" {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: "missing machine identity"}
	}
	if len(ev.Payload) == 0 {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: "missing payload"}
	}

	var decoded any
	if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: "payload is not valid JSON"}
	}
	if err := s.schemas[ev.SensorKind].Validate(decoded); err != nil {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: fmt.Sprintf("payload schema violation: %v", err)}
	}
	return nil
}

// Order validates a batch and returns a cursor over the valid events in
// canonical order plus the malformed events for quarantine. The input
// slice is not mutated.
func (s *Sequencer) Order(events []contracts.RawEvent) (*Cursor, []Rejected) {
	valid := make([]contracts.RawEvent, 0, len(events))
	var rejected []Rejected
	for _, ev := range events {
		if err := s.Validate(ev); err != nil {
			rejected = append(rejected, Rejected{Event: ev, Err: err})
			continue
		}
		valid = append(valid, ev)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return Less(valid[i], valid[j])
	})
	return &Cursor{events: valid}, rejected
}

// Rejected pairs a malformed event with the validation error that
// disqualified it.
type Rejected struct {
	Event contracts.RawEvent
	Err   error
}

// Less is the canonical ordering predicate: observed_at, then per-sensor
// sequence, then event_id bytes as the final deterministic tie-break.
func Less(a, b contracts.RawEvent) bool {
	at, bt := a.ObservedAt.UTC(), b.ObservedAt.UTC()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return compareUUID(a.EventID[:], b.EventID[:]) < 0
}

func compareUUID(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Cursor is a restartable iterator over canonically ordered events.
type Cursor struct {
	events []contracts.RawEvent
	pos    int
}

// Next returns the next event in canonical order, or false when exhausted.
func (c *Cursor) Next() (contracts.RawEvent, bool) {
	if c.pos >= len(c.events) {
		return contracts.RawEvent{}, false
	}
	ev := c.events[c.pos]
	c.pos++
	return ev, true
}

// Reset rewinds the cursor to the beginning.
func (c *Cursor) Reset() { c.pos = 0 }

// Len returns the number of ordered events.
func (c *Cursor) Len() int { return len(c.events) }
