package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crowsnest-security/crowsnest/pkg/config"
	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/engine"
	"github.com/crowsnest-security/crowsnest/pkg/ledger"
	"github.com/crowsnest-security/crowsnest/pkg/observability"
	"github.com/crowsnest-security/crowsnest/pkg/rules"
	"github.com/crowsnest-security/crowsnest/pkg/statemachine"
	"github.com/crowsnest-security/crowsnest/pkg/store"
)

// runEngineCmd implements `crowsnest run`.
//
// Exit codes:
//
//	0 = clean shutdown (or backlog drained with --drain)
//	1 = fatal pipeline error
//	2 = configuration error
func runEngineCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	drain := cmd.Bool("drain", false, "exit once the backlog is empty instead of following the log")
	if err := cmd.Parse(args); err != nil {
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

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "crowsnest",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "observability: %v\n", err)
		return 2
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return 2
	}
	defer func() { _ = st.Close() }()

	emitter, closeLedger, err := openLedger(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ledger: %v\n", err)
		return 2
	}
	defer closeLedger()

	table, err := loadTable(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rule table: %v\n", err)
		return 2
	}

	eng, err := engine.New(engine.Options{
		Table:       table,
		DedupWindow: cfg.DedupWindow,
		Thresholds: statemachine.Thresholds{
			Probable:  contracts.ScoreFromPoints(cfg.ProbableThreshold),
			Confirmed: contracts.ScoreFromPoints(cfg.ConfirmedThreshold),
		},
		DecayFactor: cfg.DecayFactor,
		Shards:      cfg.Shards,
		BatchLimit:  cfg.BatchLimit,
		PollRate:    cfg.PollRate,
		Store:       st,
		Emitter:     emitter,
		Outbox:      st,
		Notifier:    engine.NewLogNotifier(logger),
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "engine: %v\n", err)
		return 2
	}

	logger.Info("engine starting",
		"database", cfg.DatabaseURL,
		"rule_table", table.Version,
		"shards", cfg.Shards,
		"drain", *drain)

	report, err := eng.Run(ctx, *drain)
	out, _ := json.MarshalIndent(report, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	if err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintf(stderr, "engine: %v\n", err)
		return 1
	}
	return 0
}

func loadTable(cfg *config.Config) (*rules.Table, error) {
	table := rules.DefaultTable()
	if cfg.RuleTablePath != "" {
		var err error
		table, err = rules.LoadTable(cfg.RuleTablePath)
		if err != nil {
			return nil, err
		}
	}
	if cfg.RuleTableVersionPin != "" && !table.IdentityCompatible(cfg.RuleTableVersionPin) {
		return nil, fmt.Errorf("table version %q does not match pinned %q", table.Version, cfg.RuleTableVersionPin)
	}
	return table, nil
}

func openLedger(cfg *config.Config, logger *slog.Logger) (*ledger.Emitter, func(), error) {
	signer, err := newSigner(cfg.LedgerKeyID)
	if err != nil {
		return nil, nil, err
	}

	// A restart continues the existing chain; starting over at genesis
	// would leave a ledger no verifier accepts.
	var tail *ledger.Entry
	existing, err := ledger.ReadFile(cfg.LedgerPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, nil, err
	case len(existing) > 0:
		tail = &existing[len(existing)-1]
	}

	sink, err := ledger.NewFileSink(cfg.LedgerPath)
	if err != nil {
		return nil, nil, err
	}
	emitter, err := ledger.NewEmitter(sink, signer)
	if err != nil {
		_ = sink.Close()
		return nil, nil, err
	}
	if tail != nil {
		emitter.Resume(*tail)
		logger.Info("resuming audit chain", "path", cfg.LedgerPath, "sequence", tail.Sequence)
	}
	logger.Info("audit ledger open",
		"path", cfg.LedgerPath,
		"key_id", signer.KeyID(),
		"public_key", signer.PublicKey())
	return emitter, func() { _ = sink.Close() }, nil
}

// newSigner loads the signing key from CROWSNEST_LEDGER_KEY (hex ed25519
// seed or private key) or generates an ephemeral one.
func newSigner(keyID string) (*ledger.Ed25519Signer, error) {
	if hexKey := os.Getenv("CROWSNEST_LEDGER_KEY"); hexKey != "" {
		priv, err := ledger.PrivateKeyFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		return ledger.NewEd25519SignerFromKey(priv, keyID), nil
	}
	return ledger.NewEd25519Signer(keyID)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(logger)
	return logger
}
