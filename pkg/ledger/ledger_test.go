package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

func testTransition(seq int, from, to contracts.Stage) (contracts.Incident, contracts.StageTransition) {
	incID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	inc := contracts.Incident{
		IncidentID:         incID,
		Stage:              to,
		Confidence:         contracts.ScoreFromPoints(45),
		CorroborationCount: 2,
	}
	tr := contracts.StageTransition{
		IncidentID:             incID,
		TransitionSeq:          seq,
		FromStage:              from,
		ToStage:                to,
		ConfidenceAtTransition: inc.Confidence,
		TriggerEvidenceID:      uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"),
		TransitionedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
	}
	return inc, tr
}

func TestEmitterChainsEntries(t *testing.T) {
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)
	sink := NewMemorySink()
	em, err := NewEmitter(sink, signer)
	require.NoError(t, err)

	inc, tr1 := testTransition(1, contracts.StageClean, contracts.StageSuspicious)
	require.NoError(t, em.EmitTransition(&inc, tr1))
	inc2, tr2 := testTransition(2, contracts.StageSuspicious, contracts.StageProbable)
	require.NoError(t, em.EmitTransition(&inc2, tr2))

	entries := sink.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, EntryIncidentCreated, entries[0].Kind)
	require.Equal(t, EntryStageTransition, entries[1].Kind)
	require.Equal(t, "genesis", entries[0].PrevHash)
	require.Equal(t, entries[0].ContentHash, entries[1].PrevHash)
	require.Equal(t, uint64(1), entries[0].Sequence)
	require.Equal(t, uint64(2), entries[1].Sequence)

	pos, err := VerifyChain(entries, signer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, -1, pos)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)
	sink := NewMemorySink()
	em, err := NewEmitter(sink, signer)
	require.NoError(t, err)

	for seq := 1; seq <= 3; seq++ {
		inc, tr := testTransition(seq, contracts.StageClean, contracts.StageSuspicious)
		require.NoError(t, em.EmitTransition(&inc, tr))
	}

	entries := sink.Entries()
	entries[1].PrevHash = "sha256:0000"
	pos, err := VerifyChain(entries, signer.PublicKey())
	require.Error(t, err)
	require.Equal(t, 1, pos)
}

func TestVerifyChainRejectsForeignSignature(t *testing.T) {
	signer, err := NewEd25519Signer("key-a")
	require.NoError(t, err)
	other, err := NewEd25519Signer("key-b")
	require.NoError(t, err)
	sink := NewMemorySink()
	em, err := NewEmitter(sink, signer)
	require.NoError(t, err)

	inc, tr := testTransition(1, contracts.StageClean, contracts.StageSuspicious)
	require.NoError(t, em.EmitTransition(&inc, tr))

	pos, err := VerifyChain(sink.Entries(), other.PublicKey())
	require.Error(t, err)
	require.Equal(t, 0, pos)
}

type failingSink struct{}

func (failingSink) Append(Entry) error { return errors.New("sink down") }

func TestEmitterWrapsSinkFailure(t *testing.T) {
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)
	em, err := NewEmitter(failingSink{}, signer)
	require.NoError(t, err)

	inc, tr := testTransition(1, contracts.StageClean, contracts.StageSuspicious)
	err = em.EmitTransition(&inc, tr)
	require.ErrorIs(t, err, contracts.ErrLedgerEmission)
}

func TestFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)
	em, err := NewEmitter(sink, signer)
	require.NoError(t, err)

	inc, tr1 := testTransition(1, contracts.StageClean, contracts.StageSuspicious)
	require.NoError(t, em.EmitTransition(&inc, tr1))
	inc2, tr2 := testTransition(2, contracts.StageSuspicious, contracts.StageProbable)
	require.NoError(t, em.EmitTransition(&inc2, tr2))
	require.NoError(t, sink.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	pos, err := VerifyChain(entries, signer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, -1, pos)
}

func TestResumedEmitterContinuesFileChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)

	// First process: two entries rooted at genesis.
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	em, err := NewEmitter(sink, signer)
	require.NoError(t, err)
	inc, tr1 := testTransition(1, contracts.StageClean, contracts.StageSuspicious)
	require.NoError(t, em.EmitTransition(&inc, tr1))
	inc2, tr2 := testTransition(2, contracts.StageSuspicious, contracts.StageProbable)
	require.NoError(t, em.EmitTransition(&inc2, tr2))
	require.NoError(t, sink.Close())

	// Restarted process resumes from the persisted tail instead of
	// rooting a second chain at genesis in the same file.
	existing, err := ReadFile(path)
	require.NoError(t, err)
	sink2, err := NewFileSink(path)
	require.NoError(t, err)
	em2, err := NewEmitter(sink2, signer)
	require.NoError(t, err)
	em2.Resume(existing[len(existing)-1])
	inc3, tr3 := testTransition(3, contracts.StageProbable, contracts.StageConfirmed)
	require.NoError(t, em2.EmitTransition(&inc3, tr3))
	require.NoError(t, sink2.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(3), entries[2].Sequence)
	require.Equal(t, entries[1].ContentHash, entries[2].PrevHash)
	pos, err := VerifyChain(entries, signer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, -1, pos)
}

func TestDeterministicContentHashAcrossEmitters(t *testing.T) {
	signerA, err := NewEd25519Signer("key-a")
	require.NoError(t, err)
	signerB, err := NewEd25519Signer("key-b")
	require.NoError(t, err)

	sinkA, sinkB := NewMemorySink(), NewMemorySink()
	emA, err := NewEmitter(sinkA, signerA)
	require.NoError(t, err)
	emB, err := NewEmitter(sinkB, signerB)
	require.NoError(t, err)

	inc, tr := testTransition(1, contracts.StageClean, contracts.StageSuspicious)
	incCopy := inc
	require.NoError(t, emA.EmitTransition(&inc, tr))
	require.NoError(t, emB.EmitTransition(&incCopy, tr))

	require.Equal(t, sinkA.Entries()[0].ContentHash, sinkB.Entries()[0].ContentHash)
	require.NotEqual(t, sinkA.Entries()[0].Signature, sinkB.Entries()[0].Signature)
}
