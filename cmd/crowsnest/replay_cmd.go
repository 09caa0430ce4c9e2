package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crowsnest-security/crowsnest/pkg/config"
	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/replay"
	"github.com/crowsnest-security/crowsnest/pkg/statemachine"
	"github.com/crowsnest-security/crowsnest/pkg/store"
)

// runReplayCmd implements `crowsnest replay`: rebuild the incident graph
// from the raw event log of --source into --target.
//
// Exit codes:
//
//	0 = rebuild completed
//	1 = rebuild failed
//	2 = configuration error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	sourceDSN := cmd.String("source", "", "store holding the raw event log (required)")
	targetDSN := cmd.String("target", "", "fresh store to rebuild into (required)")
	mode := cmd.String("mode", string(replay.ModeIdentity), "identity or evolution")
	runID := cmd.String("run-id", "", "resumable run identifier (required)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *sourceDSN == "" || *targetDSN == "" || *runID == "" {
		_, _ = fmt.Fprintln(stderr, "replay: --source, --target and --run-id are required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := store.Open(*sourceDSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "source store: %v\n", err)
		return 2
	}
	defer func() { _ = source.Close() }()

	target, err := store.Open(*targetDSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "target store: %v\n", err)
		return 2
	}
	defer func() { _ = target.Close() }()

	table, err := loadTable(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rule table: %v\n", err)
		return 2
	}

	ctrl, err := replay.New(replay.Options{
		Mode:        replay.Mode(*mode),
		Table:       table,
		DedupWindow: cfg.DedupWindow,
		Thresholds: statemachine.Thresholds{
			Probable:  contracts.ScoreFromPoints(cfg.ProbableThreshold),
			Confirmed: contracts.ScoreFromPoints(cfg.ConfirmedThreshold),
		},
		DecayFactor: cfg.DecayFactor,
		Shards:      cfg.Shards,
		BatchSize:   cfg.BatchLimit,
		Source:      source,
		Target:      target,
		Checkpoints: newCheckpoints(cfg),
		Logger:      logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 2
	}

	result, err := ctrl.Run(ctx, *runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

// newCheckpoints selects the checkpoint backend. Redis keeps replay
// resumable across processes; memory only survives within one.
func newCheckpoints(cfg *config.Config) replay.CheckpointStore {
	if cfg.RedisAddr == "" {
		return replay.NewMemoryCheckpoints()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return replay.NewRedisCheckpoints(client, 24*time.Hour)
}
