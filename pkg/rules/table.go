// Package rules implements the evidence rule evaluator: a closed,
// versioned table of pairwise correlation rules. Classification is pure
// enum-and-field-match dispatch; there is no fuzzy matching and no
// scoring model anywhere in this package.
package rules

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// RuleKind is the closed enum of correlation rules. Evaluation walks the
// kinds in fixed precedence order; the first rule that fires decides the
// classification.
type RuleKind string

const (
	RuleDeceptionConfirmation     RuleKind = "deception_confirmation"
	RuleExecTimingContradiction   RuleKind = "exec_timing_contradiction"
	RulePersistenceSilence        RuleKind = "persistence_silence_contradiction"
	RuleHostNetworkCorroboration  RuleKind = "host_network_corroboration"
	RuleRepeatSignalCorroboration RuleKind = "repeat_signal_corroboration"
)

// Table is a versioned weight and policy table. The version is pinned per
// run and stored on every incident the run touches, so a replay can
// refuse to mix table versions.
type Table struct {
	Version string `yaml:"version"`

	// Weights per sensor kind, in whole confidence points.
	Weights map[contracts.SensorKind]int64 `yaml:"weights"`

	// OpenIncident enumerates which sensor kinds qualify as
	// minimum-evidence to open an incident on their own.
	OpenIncident map[contracts.SensorKind]bool `yaml:"open_incident"`

	Bounds Bounds `yaml:"bounds"`
}

// Bounds are the explicit time windows rules match within. All matching
// is window-overlap or field equality; nothing else.
type Bounds struct {
	PairOverlapSeconds        int64 `yaml:"pair_overlap_seconds"`
	ExecTimingSkewSeconds     int64 `yaml:"exec_timing_skew_seconds"`
	PersistenceSilenceSeconds int64 `yaml:"persistence_silence_seconds"`
}

func (b Bounds) pairOverlap() time.Duration { return time.Duration(b.PairOverlapSeconds) * time.Second }
func (b Bounds) execSkew() time.Duration    { return time.Duration(b.ExecTimingSkewSeconds) * time.Second }
func (b Bounds) silence() time.Duration {
	return time.Duration(b.PersistenceSilenceSeconds) * time.Second
}

// DefaultTable is the built-in v1 rule table.
func DefaultTable() *Table {
	t := &Table{
		Version: "1.0.0",
		Weights: map[contracts.SensorKind]int64{
			contracts.SensorProcess:       15,
			contracts.SensorFile:          15,
			contracts.SensorPersistence:   15,
			contracts.SensorNetworkIntent: 12,
			contracts.SensorFlow:          20,
			contracts.SensorDNS:           8,
			contracts.SensorIdentity:      10,
			contracts.SensorDeception:     25,
		},
		OpenIncident: map[contracts.SensorKind]bool{
			contracts.SensorProcess:       true,
			contracts.SensorFile:          true,
			contracts.SensorPersistence:   true,
			contracts.SensorNetworkIntent: true,
			contracts.SensorFlow:          true,
			contracts.SensorDNS:           false,
			contracts.SensorIdentity:      false,
			contracts.SensorDeception:     true,
		},
		Bounds: Bounds{
			PairOverlapSeconds:        300,
			ExecTimingSkewSeconds:     120,
			PersistenceSilenceSeconds: 900,
		},
	}
	if err := t.validate(); err != nil {
		// The built-in table is fixed at compile time; failing here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return t
}

// LoadTable reads and validates a rule table from a YAML file.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", contracts.ErrRuleTable, path, err)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", contracts.ErrRuleTable, path, err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	if _, err := semver.NewVersion(t.Version); err != nil {
		return fmt.Errorf("%w: version %q is not semver: %v", contracts.ErrRuleTable, t.Version, err)
	}

	for _, kind := range contracts.KnownSensorKinds {
		w, ok := t.Weights[kind]
		if !ok {
			return fmt.Errorf("%w: missing weight for sensor kind %s", contracts.ErrRuleTable, kind)
		}
		if w <= 0 || w > 100 {
			return fmt.Errorf("%w: weight for %s out of range (0,100]: %d", contracts.ErrRuleTable, kind, w)
		}
		if _, ok := t.OpenIncident[kind]; !ok {
			return fmt.Errorf("%w: missing open_incident policy for sensor kind %s", contracts.ErrRuleTable, kind)
		}
	}
	for kind := range t.Weights {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown sensor kind %q in weights", contracts.ErrRuleTable, kind)
		}
	}

	// Deception confirmation is weighted maximally by contract.
	decoy := t.Weights[contracts.SensorDeception]
	for kind, w := range t.Weights {
		if w > decoy {
			return fmt.Errorf("%w: %s weight %d exceeds deception weight %d", contracts.ErrRuleTable, kind, w, decoy)
		}
	}

	if t.Bounds.PairOverlapSeconds <= 0 || t.Bounds.ExecTimingSkewSeconds <= 0 || t.Bounds.PersistenceSilenceSeconds <= 0 {
		return fmt.Errorf("%w: rule bounds must be positive", contracts.ErrRuleTable)
	}
	return nil
}

// Weight returns the Score weight for a sensor kind.
func (t *Table) Weight(kind contracts.SensorKind) contracts.Score {
	return contracts.ScoreFromPoints(t.Weights[kind])
}

// Opens reports whether a lone event from this sensor kind qualifies as
// minimum evidence to open an incident.
func (t *Table) Opens(kind contracts.SensorKind) bool {
	return t.OpenIncident[kind]
}

// IdentityCompatible reports whether another table version yields an
// identity replay (byte-identical graph). Only the exact same version
// qualifies; any difference is an evolution replay. Version is parsed
// here rather than taken from the cached parse, so a table whose
// Version field was changed after load is still compared by its
// current value.
func (t *Table) IdentityCompatible(other string) bool {
	tv, err := semver.NewVersion(t.Version)
	if err != nil {
		return false
	}
	ov, err := semver.NewVersion(other)
	if err != nil {
		return false
	}
	return tv.Equal(ov)
}
