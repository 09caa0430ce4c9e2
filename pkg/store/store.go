// Package store persists incidents, evidence, transitions, the raw
// event log, and quarantine records behind database/sql. SQLite (via
// modernc, CGO-free) serves single-node deployments; Postgres serves
// shared ones. All writes that belong to one logical event go through
// a single transaction in Commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the engine's single persistence boundary.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects by DSN. postgres:// and postgresql:// prefixes select
// the Postgres driver; anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	driver := DriverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	}
	db, err := sql.Open(sqlDriverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Serialized access keeps sqlite's single-writer model honest
		// under the sharded worker pool.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. Migration is the caller's
// responsibility; tests use this with a mock connection.
func NewWithDB(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func sqlDriverName(driver string) string {
	if driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			incident_id TEXT PRIMARY KEY,
			subject_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			confidence INTEGER NOT NULL,
			corroboration_count INTEGER NOT NULL,
			corroborated_kinds TEXT NOT NULL DEFAULT '[]',
			rule_table_version TEXT NOT NULL DEFAULT '',
			first_observed_at TEXT NOT NULL,
			last_observed_at TEXT NOT NULL,
			stage_changed_at TEXT NOT NULL,
			last_corroborating_at TEXT NOT NULL DEFAULT '',
			evidence_count INTEGER NOT NULL,
			transition_count INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_subject
			ON incidents (subject_key, last_observed_at)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			evidence_id TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			sensor_kind TEXT NOT NULL,
			classification TEXT NOT NULL,
			signal_weight INTEGER NOT NULL,
			rule_kind TEXT NOT NULL DEFAULT '',
			observed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_incident
			ON evidence (incident_id, observed_at)`,
		`CREATE TABLE IF NOT EXISTS stage_transitions (
			incident_id TEXT NOT NULL,
			transition_seq INTEGER NOT NULL,
			from_stage TEXT NOT NULL,
			to_stage TEXT NOT NULL,
			confidence_at_transition INTEGER NOT NULL,
			evidence_count_at_transition INTEGER NOT NULL,
			trigger_evidence_id TEXT NOT NULL,
			transitioned_at TEXT NOT NULL,
			PRIMARY KEY (incident_id, transition_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS raw_events (
			event_id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			process_key TEXT NOT NULL DEFAULT '',
			principal TEXT NOT NULL DEFAULT '',
			sensor_kind TEXT NOT NULL,
			observed_at TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload TEXT NOT NULL,
			received_at TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			event_id TEXT PRIMARY KEY,
			sensor_kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			raw_event TEXT NOT NULL,
			quarantined_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transition_outbox (
			id TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING'
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the Postgres driver.
// Queries in this package are written with ? placeholders.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
