// Package ledger emits signed, hash-chained entries to the external
// audit ledger: one entry per incident creation and one per stage
// transition. Emission failure is fatal to the enclosing store
// transaction — an incident change with no ledger entry is an integrity
// failure, never a warning.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowsnest-security/crowsnest/pkg/canonicalize"
	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// EntryKind categorizes audit entries.
type EntryKind string

const (
	EntryIncidentCreated EntryKind = "INCIDENT_CREATED"
	EntryStageTransition EntryKind = "STAGE_TRANSITION"
)

// Entry is one immutable audit record. Timestamps derive from the
// triggering event's observed_at, so replays emit byte-identical
// payloads; only the chain position and signature are emission-local.
type Entry struct {
	Sequence           uint64          `json:"sequence"`
	Kind               EntryKind       `json:"kind"`
	IncidentID         uuid.UUID       `json:"incident_id"`
	FromStage          contracts.Stage `json:"from_stage"`
	ToStage            contracts.Stage `json:"to_stage"`
	Confidence         contracts.Score `json:"confidence"`
	CorroborationCount int             `json:"corroboration_count"`
	TriggerEvidenceID  uuid.UUID       `json:"trigger_evidence_id"`
	OccurredAt         time.Time       `json:"occurred_at"`
	ContentHash        string          `json:"content_hash"`
	PrevHash           string          `json:"prev_hash"`
	Signature          string          `json:"signature"`
	SignerKeyID        string          `json:"signer_key_id"`
}

// Sink receives finalized entries. The production sink is the external
// append-only audit ledger service; tests use the in-memory sink.
type Sink interface {
	Append(entry Entry) error
}

// Emitter appends transition entries to the audit chain.
type Emitter struct {
	mu       sync.Mutex
	sink     Sink
	signer   Signer
	sequence uint64
	headHash string
}

// NewEmitter creates an emitter over a sink and signer, starting a new
// chain at the genesis head. Continuing an existing chain requires
// Resume before the first emission.
func NewEmitter(sink Sink, signer Signer) (*Emitter, error) {
	if sink == nil || signer == nil {
		return nil, fmt.Errorf("ledger: sink and signer are required")
	}
	return &Emitter{sink: sink, signer: signer, headHash: "genesis"}, nil
}

// Resume continues the chain ending at tail: the next entry links to
// tail's content hash and carries the next sequence number. Without
// this, a restarted process would root a second chain at genesis in the
// same sink and verification would reject the ledger.
func (e *Emitter) Resume(tail Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = tail.Sequence
	e.headHash = tail.ContentHash
}

// EmitTransition appends one entry for a stage transition. The CLEAN ->
// SUSPICIOUS row doubles as the incident-creation entry.
func (e *Emitter) EmitTransition(inc *contracts.Incident, tr contracts.StageTransition) error {
	kind := EntryStageTransition
	if tr.FromStage == contracts.StageClean {
		kind = EntryIncidentCreated
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := Entry{
		Sequence:           e.sequence + 1,
		Kind:               kind,
		IncidentID:         tr.IncidentID,
		FromStage:          tr.FromStage,
		ToStage:            tr.ToStage,
		Confidence:         tr.ConfidenceAtTransition,
		CorroborationCount: inc.CorroborationCount,
		TriggerEvidenceID:  tr.TriggerEvidenceID,
		OccurredAt:         tr.TransitionedAt.UTC(),
		PrevHash:           e.headHash,
	}

	hash, err := canonicalize.Hash(struct {
		Sequence   uint64          `json:"sequence"`
		Kind       EntryKind       `json:"kind"`
		IncidentID uuid.UUID       `json:"incident_id"`
		FromStage  contracts.Stage `json:"from_stage"`
		ToStage    contracts.Stage `json:"to_stage"`
		Confidence contracts.Score `json:"confidence"`
		Trigger    uuid.UUID       `json:"trigger"`
		OccurredAt time.Time       `json:"occurred_at"`
		PrevHash   string          `json:"prev_hash"`
	}{entry.Sequence, entry.Kind, entry.IncidentID, entry.FromStage, entry.ToStage, entry.Confidence, entry.TriggerEvidenceID, entry.OccurredAt, entry.PrevHash})
	if err != nil {
		return fmt.Errorf("%w: hash entry: %v", contracts.ErrLedgerEmission, err)
	}
	entry.ContentHash = hash

	sig, err := e.signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("%w: sign entry: %v", contracts.ErrLedgerEmission, err)
	}
	entry.Signature = sig
	entry.SignerKeyID = e.signer.KeyID()

	if err := e.sink.Append(entry); err != nil {
		return fmt.Errorf("%w: append: %v", contracts.ErrLedgerEmission, err)
	}

	e.sequence = entry.Sequence
	e.headHash = entry.ContentHash
	return nil
}

// MemorySink retains entries in order. Test and verification use.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of the appended entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// VerifyChain checks hash chaining and signatures over a full entry
// sequence. Returns the first broken position, or -1 when intact.
func VerifyChain(entries []Entry, pubKeyHex string) (int, error) {
	prev := "genesis"
	for i, entry := range entries {
		if entry.PrevHash != prev {
			return i, fmt.Errorf("entry %d: prev hash mismatch", i)
		}
		ok, err := VerifySignature(pubKeyHex, entry.Signature, []byte(entry.ContentHash))
		if err != nil {
			return i, fmt.Errorf("entry %d: %w", i, err)
		}
		if !ok {
			return i, fmt.Errorf("entry %d: signature invalid", i)
		}
		prev = entry.ContentHash
	}
	return -1, nil
}
