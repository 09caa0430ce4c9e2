package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/crowsnest-security/crowsnest/pkg/config"
	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/ledger"
	"github.com/crowsnest-security/crowsnest/pkg/replay"
	"github.com/crowsnest-security/crowsnest/pkg/statemachine"
	"github.com/crowsnest-security/crowsnest/pkg/store"
)

// runVerifyCmd implements `crowsnest verify`: rebuild the incident graph
// from the live store's raw event log into a scratch store and compare
// graph hashes. With --ledger it also checks the audit chain.
//
// Exit codes:
//
//	0 = graph (and chain) verified
//	1 = divergence or broken chain
//	2 = configuration or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	sourceDSN := cmd.String("source", "", "live store to verify (required)")
	mode := cmd.String("mode", string(replay.ModeIdentity), "identity or evolution")
	runID := cmd.String("run-id", "verify", "resumable run identifier")
	ledgerPath := cmd.String("ledger", "", "audit ledger file to chain-check")
	pubKey := cmd.String("public-key", "", "hex ed25519 key for ledger signatures")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *sourceDSN == "" {
		_, _ = fmt.Fprintln(stderr, "verify: --source is required")
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

	live, err := store.Open(*sourceDSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "source store: %v\n", err)
		return 2
	}
	defer func() { _ = live.Close() }()

	// The rebuild folds into a throwaway store so the live graph is
	// never touched.
	scratchDir, err := os.MkdirTemp("", "crowsnest-verify-*")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "scratch store: %v\n", err)
		return 2
	}
	defer func() { _ = os.RemoveAll(scratchDir) }()
	scratch, err := store.Open(filepath.Join(scratchDir, "rebuild.db"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "scratch store: %v\n", err)
		return 2
	}
	defer func() { _ = scratch.Close() }()

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
		Source:      live,
		Target:      scratch,
		Logger:      logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 2
	}

	result, match, err := replay.Verify(ctx, ctrl, live, *runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 2
	}

	liveHash, incidents, err := replay.GraphHash(ctx, live)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 2
	}

	summary := map[string]any{
		"graph_match":   match,
		"live_hash":     liveHash,
		"rebuilt_hash":  result.GraphHash,
		"incidents":     incidents,
		"events_folded": result.Report.Processed,
		"rule_table":    result.Report.RuleTable,
	}

	chainOK := true
	if *ledgerPath != "" {
		entries, err := ledger.ReadFile(*ledgerPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ledger: %v\n", err)
			return 2
		}
		broken, err := ledger.VerifyChain(entries, *pubKey)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ledger: %v\n", err)
			return 2
		}
		chainOK = broken < 0
		summary["ledger_entries"] = len(entries)
		summary["ledger_chain_intact"] = chainOK
		if !chainOK {
			summary["ledger_broken_at"] = broken
		}
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	if !match || !chainOK {
		return 1
	}
	return 0
}
