package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "acme", cfg.Tenant.ID)
	require.True(t, cfg.AutoProvision())
	require.Equal(t, "RON", cfg.Currency())
	require.Equal(t, 50, cfg.ListLimit())
	require.Equal(t, 75, cfg.WorstCaseProbability())
	require.Equal(t, 2*time.Second, cfg.RelayInterval())
	require.Equal(t, 100, cfg.BatchSize())
	require.Equal(t, "dealflow.", cfg.Events.Kafka.TopicPrefix)
	require.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestNilConfigFallsBackToDefaults(t *testing.T) {
	var cfg *Config
	require.True(t, cfg.AutoProvision())
	require.Equal(t, DefaultCurrency, cfg.Currency())
	require.Equal(t, DefaultListLimit, cfg.ListLimit())
	require.Equal(t, DefaultWorstCaseProbability, cfg.WorstCaseProbability())
	require.Equal(t, DefaultRelayInterval, cfg.RelayInterval())
	require.Equal(t, DefaultBatchSize, cfg.BatchSize())
}

func TestFromYAMLRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"missing tenant":  "deals:\n  list_limit: 10\n",
		"currency":        "tenant:\n  id: a\ndeals:\n  default_currency: EURO\n",
		"list limit":      "tenant:\n  id: a\ndeals:\n  list_limit: 500\n",
		"worst case":      "tenant:\n  id: a\nforecast:\n  worst_case_probability: 120\n",
		"relay interval":  "tenant:\n  id: a\nevents:\n  relay_interval: soon\n",
		"webhook url":     "tenant:\n  id: a\nevents:\n  webhooks:\n    - url: ftp://x\n",
		"empty broker":    "tenant:\n  id: a\nevents:\n  kafka:\n    brokers: [\"\"]\n",
		"base path":       "tenant:\n  id: a\nserver:\n  base_path: v1\n",
		"malformed yaml":  "tenant: [",
		"negative batch":  "tenant:\n  id: a\nevents:\n  batch_size: -1\n",
		"webhook timeout": "tenant:\n  id: a\nevents:\n  webhooks:\n    - url: http://x\n      timeout_seconds: -2\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestAutoProvisionCanBeDisabled(t *testing.T) {
	cfg, err := FromYAML([]byte("tenant:\n  id: a\ndeals:\n  auto_provision_pipeline: false\nforecast:\n  worst_case_probability: 0\n"))
	require.NoError(t, err)
	require.False(t, cfg.AutoProvision())
	require.Equal(t, 0, cfg.WorstCaseProbability())
}

func TestLoadOptionalAndYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)
	_, err = Load(dir)
	require.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("globex")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "globex", cfg.Tenant.ID)

	out, err := cfg.YAML()
	require.NoError(t, err)
	again, err := FromYAML(out)
	require.NoError(t, err)
	require.Equal(t, cfg.Tenant.ID, again.Tenant.ID)
	require.Equal(t, cfg.RelayInterval(), again.RelayInterval())
}
