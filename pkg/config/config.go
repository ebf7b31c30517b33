// Package config loads the YAML configuration for a memgov node.
package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"memgov/internal/access"
	"memgov/internal/bounds"
	"memgov/internal/logging"
	"memgov/internal/persistence"
)

// Config represents the main configuration structure
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Bounds        BoundsConfig        `yaml:"bounds"`
	Access        AccessConfig        `yaml:"access"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Filter        FilterConfig        `yaml:"filter"`
	Persistence   persistence.Config  `yaml:"persistence"`
	Logging       logging.LogConfig   `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// BoundsConfig holds the store capacities and retrieval limits.
type BoundsConfig struct {
	MaxRecent          int           `yaml:"max_recent"`
	MaxIndexed         int           `yaml:"max_indexed"`
	MaxImportance      float64       `yaml:"max_importance"`
	PromotionThreshold float64       `yaml:"promotion_threshold"`
	MaxRecallDepth     int           `yaml:"max_recall_depth"`
	MaxAccessRate      int           `yaml:"max_access_rate"`
	RateWindow         time.Duration `yaml:"rate_window"`
	HighWaterRatio     float64       `yaml:"high_water_ratio"`
}

// RuleConfig names one access rule. Limit is ignored by non_empty_payload.
type RuleConfig struct {
	Kind  string  `yaml:"kind"`
	Limit float64 `yaml:"limit"`
}

// AccessConfig tunes the access controller and its defensive mode.
type AccessConfig struct {
	ViolationLogSize int           `yaml:"violation_log_size"`
	DefensiveStreak  int           `yaml:"defensive_streak"`
	DefensiveWindow  time.Duration `yaml:"defensive_window"`
	DefensiveExempt  []string      `yaml:"defensive_exempt"`
	StoreRules       []RuleConfig  `yaml:"store_rules"`
	RetrieveRules    []RuleConfig  `yaml:"retrieve_rules"`
}

// ConsolidationConfig controls the background consolidator.
type ConsolidationConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	MinTriggerInterval time.Duration `yaml:"min_trigger_interval"`
	Scoring            string        `yaml:"scoring"` // "keep", "decay", "access"
	HalfLife           time.Duration `yaml:"half_life"`
	AccessBoost        float64       `yaml:"access_boost"`
}

// FilterConfig sizes the payload membership filter.
type FilterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// Scoring strategies accepted by consolidation.scoring.
const (
	ScoringKeep   = "keep"
	ScoringDecay  = "decay"
	ScoringAccess = "access"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	b := bounds.Default()
	p := persistence.DefaultConfig()
	p.DataDir = ""
	return &Config{
		Node: NodeConfig{
			ID:      "memgov-node-1",
			DataDir: "./data",
		},
		Bounds: BoundsConfig{
			MaxRecent:          b.MaxRecent,
			MaxIndexed:         b.MaxIndexed,
			MaxImportance:      b.MaxImportance,
			PromotionThreshold: b.PromotionThreshold,
			MaxRecallDepth:     b.MaxRecallDepth,
			MaxAccessRate:      b.MaxAccessRate,
			RateWindow:         b.RateWindow,
			HighWaterRatio:     b.HighWaterRatio,
		},
		Access: AccessConfig{
			ViolationLogSize: b.ViolationLogSize,
			DefensiveStreak:  b.DefensiveStreak,
			DefensiveWindow:  b.DefensiveWindow,
			DefensiveExempt:  []string{string(access.RuleRateExceeded)},
			StoreRules:       []RuleConfig{{Kind: string(access.RuleNonEmptyPayload)}},
		},
		Consolidation: ConsolidationConfig{
			Enabled:            true,
			Interval:           5 * time.Minute,
			MinTriggerInterval: 10 * time.Second,
			Scoring:            ScoringKeep,
			HalfLife:           24 * time.Hour,
			AccessBoost:        0.05,
		},
		Filter: FilterConfig{
			Enabled:           true,
			FalsePositiveRate: 0.01,
		},
		Persistence: p,
		Logging: logging.LogConfig{
			Level:         "info",
			EnableConsole: true,
		},
	}
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info(context.Background(), logging.ComponentConfig, logging.ActionValidation, "Configuration file not found, using defaults", map[string]interface{}{
				"path": path,
			})
			return config, nil
		}
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id cannot be empty")
	}
	if err := c.BoundsTable().Validate(); err != nil {
		return errors.Wrap(err, "bounds")
	}
	if _, err := c.StoreRules(); err != nil {
		return err
	}
	if _, err := c.RetrieveRules(); err != nil {
		return err
	}
	for _, t := range c.Access.DefensiveExempt {
		if !isValidRuleType(t) {
			return errors.WithHint(
				errors.Newf("access.defensive_exempt: unknown rule type %q", t),
				"use one of the rule kinds or rate_exceeded",
			)
		}
	}

	switch c.Consolidation.Scoring {
	case ScoringKeep, "":
	case ScoringDecay:
		if c.Consolidation.HalfLife <= 0 {
			return errors.New("consolidation.half_life must be positive for decay scoring")
		}
	case ScoringAccess:
		if c.Consolidation.AccessBoost <= 0 {
			return errors.New("consolidation.access_boost must be positive for access scoring")
		}
	default:
		return errors.Newf("invalid consolidation scoring: %s", c.Consolidation.Scoring)
	}
	if c.Consolidation.Interval < 0 || c.Consolidation.MinTriggerInterval < 0 {
		return errors.New("consolidation intervals cannot be negative")
	}

	if c.Filter.Enabled && (c.Filter.FalsePositiveRate <= 0 || c.Filter.FalsePositiveRate >= 1) {
		return errors.Newf("filter.false_positive_rate must be within (0, 1), got %v", c.Filter.FalsePositiveRate)
	}

	if c.Persistence.Enabled {
		if err := c.PersistenceConfig().Validate(); err != nil {
			return errors.Wrap(err, "persistence")
		}
	}
	return nil
}

// BoundsTable merges the bounds and access sections into one table.
func (c *Config) BoundsTable() bounds.Table {
	return bounds.Table{
		MaxRecent:          c.Bounds.MaxRecent,
		MaxIndexed:         c.Bounds.MaxIndexed,
		MaxImportance:      c.Bounds.MaxImportance,
		PromotionThreshold: c.Bounds.PromotionThreshold,
		MaxRecallDepth:     c.Bounds.MaxRecallDepth,
		MaxAccessRate:      c.Bounds.MaxAccessRate,
		RateWindow:         c.Bounds.RateWindow,
		HighWaterRatio:     c.Bounds.HighWaterRatio,
		ViolationLogSize:   c.Access.ViolationLogSize,
		DefensiveStreak:    c.Access.DefensiveStreak,
		DefensiveWindow:    c.Access.DefensiveWindow,
	}
}

// StoreRules parses access.store_rules in order.
func (c *Config) StoreRules() ([]access.Rule, error) {
	return parseRules("access.store_rules", c.Access.StoreRules)
}

// RetrieveRules parses access.retrieve_rules in order.
func (c *Config) RetrieveRules() ([]access.Rule, error) {
	return parseRules("access.retrieve_rules", c.Access.RetrieveRules)
}

// ExemptRuleTypes returns the violation types that never trip defensive mode.
func (c *Config) ExemptRuleTypes() []access.RuleType {
	out := make([]access.RuleType, len(c.Access.DefensiveExempt))
	for i, t := range c.Access.DefensiveExempt {
		out[i] = access.RuleType(strings.ToLower(t))
	}
	return out
}

// PersistenceConfig resolves the persistence section. The data directory
// falls back to node.data_dir and the node id is carried into snapshots.
func (c *Config) PersistenceConfig() persistence.Config {
	p := c.Persistence
	if p.DataDir == "" {
		p.DataDir = c.Node.DataDir
	}
	p.NodeID = c.Node.ID
	return p
}

// LogConfig returns the logging section.
func (c *Config) LogConfig() logging.LogConfig {
	return c.Logging
}

func parseRules(section string, in []RuleConfig) ([]access.Rule, error) {
	rules := make([]access.Rule, 0, len(in))
	for i, rc := range in {
		r, err := access.ParseRule(rc.Kind, rc.Limit)
		if err != nil {
			return nil, errors.Wrapf(err, "%s[%d]", section, i)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func isValidRuleType(t string) bool {
	switch access.RuleType(strings.ToLower(t)) {
	case access.RuleNonEmptyPayload, access.RuleMaxPayloadBytes, access.RuleMaxResults,
		access.RuleMinImportance, access.RuleRateExceeded:
		return true
	}
	return false
}
