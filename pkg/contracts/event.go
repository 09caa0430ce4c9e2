// Package contracts defines the shared data contracts of the correlation
// core: raw sensor events, evidence items, incidents, stage transitions,
// and the error taxonomy that governs batch processing.
//
// Everything here is plain data. Behavior lives in the pipeline packages
// (sequencer, resolver, rules, accumulator, statemachine).
package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SensorKind identifies the class of sensor that produced an observation.
// The set is closed; rule matching dispatches on these values only.
type SensorKind string

const (
	SensorProcess       SensorKind = "PROCESS"
	SensorFile          SensorKind = "FILE"
	SensorPersistence   SensorKind = "PERSISTENCE"
	SensorNetworkIntent SensorKind = "NETWORK_INTENT"
	SensorFlow          SensorKind = "FLOW"
	SensorDNS           SensorKind = "DNS"
	SensorIdentity      SensorKind = "IDENTITY"
	SensorDeception     SensorKind = "DECEPTION"
)

// KnownSensorKinds lists every valid sensor kind in a fixed order.
var KnownSensorKinds = []SensorKind{
	SensorProcess,
	SensorFile,
	SensorPersistence,
	SensorNetworkIntent,
	SensorFlow,
	SensorDNS,
	SensorIdentity,
	SensorDeception,
}

// Valid reports whether k is a member of the closed sensor kind set.
func (k SensorKind) Valid() bool {
	for _, known := range KnownSensorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SubjectKeys is the identity tuple asserted by the sensor. MachineID is
// mandatory; ProcessKey and Principal are optional refinements.
type SubjectKeys struct {
	MachineID string `json:"machine_id"`
	// ProcessKey is a stable process identity (exe path + start cookie),
	// not a bare PID.
	ProcessKey string `json:"process_key,omitempty"`
	Principal  string `json:"principal,omitempty"`
}

// RawEvent is a validated sensor observation read from the append-only raw
// event store. It is immutable: the engine never writes to it beyond the
// transactional processed marker.
//
// ReceivedAt is ingestion wall-clock metadata and MUST NOT participate in
// ordering or correlation decisions; only ObservedAt, Sequence, and EventID
// are authoritative for ordering.
type RawEvent struct {
	EventID    uuid.UUID       `json:"event_id"`
	Subject    SubjectKeys     `json:"subject_keys"`
	SensorKind SensorKind      `json:"sensor_kind"`
	ObservedAt time.Time       `json:"observed_at"`
	Sequence   uint64          `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at,omitempty"`
}

// Observation is the normalized, rule-facing view of a raw event payload.
// Fields are populated per sensor kind; rules match on explicit field
// equality and time-window overlap, never on free-form text.
type Observation struct {
	EventID    uuid.UUID
	SensorKind SensorKind
	ObservedAt time.Time

	// Process sensor.
	ExePath    string
	ProcAction string // "exec" or "absent"
	StartedAt  time.Time

	// File sensor.
	FilePath string
	FileOp   string

	// Persistence sensor.
	ArtifactPath string
	Mechanism    string
	TargetPath   string
	CreatedAt    time.Time

	// Network intent / flow sensors.
	RemoteAddr string
	RemotePort int
	Protocol   string

	// DNS sensor.
	QueryName    string
	ResolvedAddr string

	// Identity sensor.
	Principal string
	IDAction  string

	// Deception sensor.
	DecoyID     string
	Interaction string
}
