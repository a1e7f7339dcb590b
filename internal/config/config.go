package config

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"groomline/internal/domain"
)

// FileName is the config file looked up in a workspace.
const FileName = "groomline.yml"

// Config models groomline.yml.
type Config struct {
	Scoring    Scoring    `yaml:"scoring" toml:"scoring" json:"scoring"`
	Duplicates Duplicates `yaml:"duplicates" toml:"duplicates" json:"duplicates"`
	Workflow   Workflow   `yaml:"workflow" toml:"workflow" json:"workflow"`
	Locks      Locks      `yaml:"locks" toml:"locks" json:"locks"`
	Store      Store      `yaml:"store" toml:"store" json:"store"`
	Grooming   Grooming   `yaml:"grooming" toml:"grooming" json:"grooming"`
	Workers    Workers    `yaml:"workers" toml:"workers" json:"workers"`
	Webhooks   []Webhook  `yaml:"webhooks,omitempty" toml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Weights are the priority factor weights; they must sum to 1.
type Weights struct {
	CustomerValue      float64 `yaml:"customer_value" toml:"customer_value" json:"customer_value"`
	UnblockImpact      float64 `yaml:"unblock_impact" toml:"unblock_impact" json:"unblock_impact"`
	WorkerAvailability float64 `yaml:"worker_availability" toml:"worker_availability" json:"worker_availability"`
	LearningValue      float64 `yaml:"learning_value" toml:"learning_value" json:"learning_value"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.CustomerValue + w.UnblockImpact + w.WorkerAvailability + w.LearningValue
}

type Scoring struct {
	Weights            Weights `yaml:"weights" toml:"weights" json:"weights"`
	RationaleThreshold float64 `yaml:"rationale_threshold" toml:"rationale_threshold" json:"rationale_threshold"`
	LowThreshold       float64 `yaml:"low_threshold" toml:"low_threshold" json:"low_threshold"`
}

// SimilarityWeights combine the three duplicate signals; they must sum to 1.
type SimilarityWeights struct {
	Semantic float64 `yaml:"semantic" toml:"semantic" json:"semantic"`
	Title    float64 `yaml:"title" toml:"title" json:"title"`
	Entity   float64 `yaml:"entity" toml:"entity" json:"entity"`
}

type Duplicates struct {
	Weights        SimilarityWeights `yaml:"weights" toml:"weights" json:"weights"`
	MergeThreshold float64           `yaml:"merge_threshold" toml:"merge_threshold" json:"merge_threshold"`
	LinkThreshold  float64           `yaml:"link_threshold" toml:"link_threshold" json:"link_threshold"`
	Buckets        int               `yaml:"buckets" toml:"buckets" json:"buckets"`
	Parallelism    int               `yaml:"parallelism" toml:"parallelism" json:"parallelism"`
}

type Workflow struct {
	RiskThreshold   domain.RiskLevel            `yaml:"risk_threshold" toml:"risk_threshold" json:"risk_threshold"`
	Gates           map[domain.RiskLevel]string `yaml:"gates" toml:"gates" json:"gates"`
	Approvers       map[string][]string         `yaml:"approvers" toml:"approvers" json:"approvers"`
	GateTimeout     Duration                    `yaml:"gate_timeout" toml:"gate_timeout" json:"gate_timeout"`
	EscalationGrace Duration                    `yaml:"escalation_grace" toml:"escalation_grace" json:"escalation_grace"`
}

type Locks struct {
	DefaultTTL Duration `yaml:"default_ttl" toml:"default_ttl" json:"default_ttl"`
	MaxTTL     Duration `yaml:"max_ttl" toml:"max_ttl" json:"max_ttl"`
}

type Store struct {
	MaxRetries      int      `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	RetryBackoff    Duration `yaml:"retry_backoff" toml:"retry_backoff" json:"retry_backoff"`
	CheckpointEvery int      `yaml:"checkpoint_every" toml:"checkpoint_every" json:"checkpoint_every"`
}

type Grooming struct {
	Interval  Duration `yaml:"interval" toml:"interval" json:"interval"`
	Budget    Duration `yaml:"budget" toml:"budget" json:"budget"`
	Staleness Duration `yaml:"staleness" toml:"staleness" json:"staleness"`
}

type Workers struct {
	PointsPerWorker float64 `yaml:"points_per_worker" toml:"points_per_worker" json:"points_per_worker"`
	DefaultEffort   float64 `yaml:"default_effort" toml:"default_effort" json:"default_effort"`
}

// Webhook receives appended events as JSON POSTs while the server runs.
type Webhook struct {
	URL string `yaml:"url" toml:"url" json:"url"`
	// Events filters by event type; empty means every event.
	Events  []string `yaml:"events,omitempty" toml:"events,omitempty" json:"events,omitempty"`
	Secret  string   `yaml:"secret,omitempty" toml:"secret,omitempty" json:"secret,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Active reports whether the webhook should receive deliveries.
func (w Webhook) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Duration is a time.Duration written as "72h" in config files.
type Duration time.Duration

// D returns the standard library duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// JSONSchema describes Duration as a Go duration string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`, Examples: []any{"72h", "15m"}}
}

const weightTolerance = 1e-9

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	w := c.Scoring.Weights
	for name, v := range map[string]float64{
		"customer_value": w.CustomerValue, "unblock_impact": w.UnblockImpact,
		"worker_availability": w.WorkerAvailability, "learning_value": w.LearningValue,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("scoring.weights.%s must be within [0,1]", name)
		}
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("scoring.weights must sum to 1.0, got %.6f", w.Sum())
	}
	if c.Scoring.RationaleThreshold <= 0 || c.Scoring.RationaleThreshold > 1 {
		return fmt.Errorf("scoring.rationale_threshold must be within (0,1]")
	}
	if c.Scoring.LowThreshold < 0 || c.Scoring.LowThreshold >= c.Scoring.RationaleThreshold {
		return fmt.Errorf("scoring.low_threshold must be within [0, rationale_threshold)")
	}
	sw := c.Duplicates.Weights
	if sw.Semantic < 0 || sw.Title < 0 || sw.Entity < 0 {
		return fmt.Errorf("duplicates.weights must be non-negative")
	}
	if s := sw.Semantic + sw.Title + sw.Entity; math.Abs(s-1) > weightTolerance {
		return fmt.Errorf("duplicates.weights must sum to 1.0, got %.6f", s)
	}
	if c.Duplicates.LinkThreshold <= 0 || c.Duplicates.LinkThreshold >= c.Duplicates.MergeThreshold || c.Duplicates.MergeThreshold > 1 {
		return fmt.Errorf("duplicates thresholds must satisfy 0 < link_threshold < merge_threshold <= 1")
	}
	if c.Duplicates.Buckets <= 0 {
		return fmt.Errorf("duplicates.buckets must be positive")
	}
	if c.Duplicates.Parallelism <= 0 {
		return fmt.Errorf("duplicates.parallelism must be positive")
	}
	if !c.Workflow.RiskThreshold.Valid() {
		return fmt.Errorf("workflow.risk_threshold %q is not a risk level", c.Workflow.RiskThreshold)
	}
	for level, gate := range c.Workflow.Gates {
		if !level.Valid() {
			return fmt.Errorf("workflow.gates has unknown risk level %q", level)
		}
		if gate == "" {
			return fmt.Errorf("workflow.gates.%s is empty", level)
		}
	}
	for gate, approvers := range c.Workflow.Approvers {
		for _, a := range approvers {
			if a == "" {
				return fmt.Errorf("workflow.approvers.%s has empty approver", gate)
			}
		}
	}
	if c.Workflow.GateTimeout <= 0 {
		return fmt.Errorf("workflow.gate_timeout must be positive")
	}
	if c.Workflow.EscalationGrace <= 0 {
		return fmt.Errorf("workflow.escalation_grace must be positive")
	}
	if c.Locks.DefaultTTL <= 0 || c.Locks.MaxTTL < c.Locks.DefaultTTL {
		return fmt.Errorf("locks.default_ttl must be positive and not above locks.max_ttl")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must not be negative")
	}
	if c.Store.CheckpointEvery <= 0 {
		return fmt.Errorf("store.checkpoint_every must be positive")
	}
	if c.Grooming.Interval <= 0 || c.Grooming.Budget <= 0 || c.Grooming.Staleness <= 0 {
		return fmt.Errorf("grooming.interval, budget and staleness must be positive")
	}
	if c.Workers.PointsPerWorker <= 0 {
		return fmt.Errorf("workers.points_per_worker must be positive")
	}
	if c.Workers.DefaultEffort < 0 {
		return fmt.Errorf("workers.default_effort must not be negative")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks[%d].url must be an http(s) URL", i)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// GateFor returns the gate name required for a risk level, if the level exceeds the threshold.
func (c *Config) GateFor(level domain.RiskLevel) (string, bool) {
	if !level.Exceeds(c.Workflow.RiskThreshold) {
		return "", false
	}
	if name, ok := c.Workflow.Gates[level]; ok {
		return name, true
	}
	// Fall back to the gate of the highest configured level not above this one.
	best, bestRank := "", 0
	for l, name := range c.Workflow.Gates {
		if r := l.Rank(); r <= level.Rank() && r > bestRank {
			best, bestRank = name, r
		}
	}
	if best == "" {
		best = "ArchitectureReview"
	}
	return best, true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromFile(path)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromFile(path)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic("config: default template invalid: " + err.Error())
	}
	return &cfg
}

// fileMaps holds the map-valued keys a file sets. Decoding merges maps key by
// key, so a file that names gates or approvers must start from empty ones.
type fileMaps struct {
	Workflow struct {
		Gates     map[domain.RiskLevel]string `yaml:"gates" toml:"gates"`
		Approvers map[string][]string         `yaml:"approvers" toml:"approvers"`
	} `yaml:"workflow" toml:"workflow"`
}

func (f fileMaps) clear(cfg *Config) {
	if f.Workflow.Gates != nil {
		cfg.Workflow.Gates = nil
	}
	if f.Workflow.Approvers != nil {
		cfg.Workflow.Approvers = nil
	}
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// defaults; gates and approvers given in the file replace the default sets.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	var fm fileMaps
	if err := yaml.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	fm.clear(cfg)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes, with the same
// replacement rule as FromYAML.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	var fm fileMaps
	if err := toml.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	fm.clear(cfg)
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from the given path, choosing the format by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// Schema returns the JSON schema of the config file.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{FieldNameTag: "yaml", ExpandedStruct: true}
	return r.Reflect(&Config{})
}

const defaultTemplate = `scoring:
  weights:
    customer_value: 0.4
    unblock_impact: 0.3
    worker_availability: 0.2
    learning_value: 0.1
  rationale_threshold: 0.7
  low_threshold: 0.2

duplicates:
  weights:
    semantic: 0.5
    title: 0.3
    entity: 0.2
  merge_threshold: 0.85
  link_threshold: 0.75
  buckets: 64
  parallelism: 8

workflow:
  risk_threshold: medium
  gates:
    high: ArchitectureReview
    critical: EthicsReview
  approvers:
    ArchitectureReview: [architect]
    EthicsReview: [ethics-board]
  gate_timeout: 72h
  escalation_grace: 24h

locks:
  default_ttl: 15m
  max_ttl: 24h

store:
  max_retries: 5
  retry_backoff: 10ms
  checkpoint_every: 256

grooming:
  interval: 5m
  budget: 30s
  staleness: 720h

workers:
  points_per_worker: 8
  default_effort: 1
`
