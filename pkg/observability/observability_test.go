package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{ServiceName: "crowsnest-test"})
	require.NoError(t, err)
	require.NotNil(t, p)

	// All instruments are nil; recording must not panic.
	ctx := context.Background()
	p.RecordFolded(ctx, contracts.SensorProcess)
	p.RecordQuarantined(ctx, contracts.SensorFlow)
	p.RecordTransition(ctx, contracts.StageSuspicious, contracts.StageProbable)
	p.RecordBatch(ctx, 10*time.Millisecond)
	p.ShardStarted(ctx)
	p.ShardFinished(ctx)
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "crowsnest", p.config.ServiceName)
}

func TestStartSpanWithoutProvider(t *testing.T) {
	p, err := New(context.Background(), &Config{})
	require.NoError(t, err)
	ctx, span := p.StartSpan(context.Background(), "fold_event")
	require.NotNil(t, ctx)
	span.End()
}
