package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groomline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.InDelta(t, 0.4, cfg.Scoring.Weights.CustomerValue, 1e-12)
	assert.InDelta(t, 0.85, cfg.Duplicates.MergeThreshold, 1e-12)
	assert.Equal(t, 72*time.Hour, cfg.Workflow.GateTimeout.D())
	assert.Equal(t, domain.RiskMedium, cfg.Workflow.RiskThreshold)
}

func TestWeightsMustSumToOne(t *testing.T) {
	_, err := FromYAML([]byte(`scoring:
  weights:
    customer_value: 0.5
    unblock_impact: 0.3
    worker_availability: 0.2
    learning_value: 0.1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestThresholdOrdering(t *testing.T) {
	_, err := FromYAML([]byte(`duplicates:
  merge_threshold: 0.7
  link_threshold: 0.75
`))
	require.Error(t, err)
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`grooming:
  staleness: 48h
`))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Grooming.Staleness.D())
	assert.Equal(t, 5*time.Minute, cfg.Grooming.Interval.D())
}

func TestFileGatesReplaceDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`workflow:
  gates:
    high: ArchitectureReview
  approvers:
    ArchitectureReview: [lead]
`))
	require.NoError(t, err)
	assert.Equal(t, map[domain.RiskLevel]string{domain.RiskHigh: "ArchitectureReview"}, cfg.Workflow.Gates)
	assert.Equal(t, map[string][]string{"ArchitectureReview": {"lead"}}, cfg.Workflow.Approvers)
	name, ok := cfg.GateFor(domain.RiskCritical)
	assert.True(t, ok)
	assert.Equal(t, "ArchitectureReview", name)

	cfg, err = FromTOML([]byte(`
[workflow.gates]
critical = "EthicsReview"
`))
	require.NoError(t, err)
	assert.Equal(t, map[domain.RiskLevel]string{domain.RiskCritical: "EthicsReview"}, cfg.Workflow.Gates)
	assert.Len(t, cfg.Workflow.Approvers, 2)

	cfg, err = FromYAML([]byte(`workflow:
  gate_timeout: 1h
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Workflow.Gates, 2)
	assert.Len(t, cfg.Workflow.Approvers, 2)
}

func TestFromFileTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groomline.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[scoring.weights]
customer_value = 0.25
unblock_impact = 0.25
worker_availability = 0.25
learning_value = 0.25

[grooming]
interval = "1m"
`), 0o644))
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.Scoring.Weights.LearningValue, 1e-12)
	assert.Equal(t, time.Minute, cfg.Grooming.Interval.D())
}

func TestGateFor(t *testing.T) {
	cfg := Default()
	_, ok := cfg.GateFor(domain.RiskMedium)
	assert.False(t, ok)
	name, ok := cfg.GateFor(domain.RiskHigh)
	assert.True(t, ok)
	assert.Equal(t, "ArchitectureReview", name)
	name, _ = cfg.GateFor(domain.RiskCritical)
	assert.Equal(t, "EthicsReview", name)
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	_, err = Load(t.TempDir())
	require.Error(t, err)
}

func TestSchemaHasSections(t *testing.T) {
	s := Schema()
	require.NotNil(t, s.Properties)
	_, ok := s.Properties.Get("scoring")
	assert.True(t, ok)
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte(`webhooks:
  - url: https://hooks.example.com/groomline
    events: [item.merged, gate.expired]
    timeout: 2s
  - url: http://localhost:9000/all
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 2)
	assert.True(t, cfg.Webhooks[0].Active())
	assert.Equal(t, 2*time.Second, cfg.Webhooks[0].Timeout.D())
	assert.False(t, cfg.Webhooks[1].Active())

	_, err = FromYAML([]byte("webhooks:\n  - url: ftp://example.com\n"))
	require.ErrorContains(t, err, "webhooks[0].url")
}
