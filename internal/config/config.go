package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCurrency             = "RON"
	DefaultListLimit            = 50
	DefaultWorstCaseProbability = 75
	DefaultRelayInterval        = 2 * time.Second
	DefaultBatchSize            = 100
)

// Config models dealflow.yml.
type Config struct {
	Tenant struct {
		ID string `yaml:"id"`
	} `yaml:"tenant"`
	Deals struct {
		AutoProvisionPipeline *bool  `yaml:"auto_provision_pipeline"`
		DefaultCurrency       string `yaml:"default_currency"`
		ListLimit             int    `yaml:"list_limit"`
	} `yaml:"deals"`
	Forecast struct {
		WorstCaseProbability *int `yaml:"worst_case_probability"`
	} `yaml:"forecast"`
	Events EventsConfig `yaml:"events"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type EventsConfig struct {
	RelayInterval string          `yaml:"relay_interval"`
	BatchSize     int             `yaml:"batch_size"`
	Kafka         KafkaConfig     `yaml:"kafka"`
	NATS          NATSConfig      `yaml:"nats"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// AutoProvision reports whether deal creation may synthesize a missing pipeline.
func (c *Config) AutoProvision() bool {
	if c == nil || c.Deals.AutoProvisionPipeline == nil {
		return true
	}
	return *c.Deals.AutoProvisionPipeline
}

func (c *Config) Currency() string {
	if c == nil || c.Deals.DefaultCurrency == "" {
		return DefaultCurrency
	}
	return c.Deals.DefaultCurrency
}

func (c *Config) ListLimit() int {
	if c == nil || c.Deals.ListLimit <= 0 {
		return DefaultListLimit
	}
	return c.Deals.ListLimit
}

func (c *Config) WorstCaseProbability() int {
	if c == nil || c.Forecast.WorstCaseProbability == nil {
		return DefaultWorstCaseProbability
	}
	return *c.Forecast.WorstCaseProbability
}

func (c *Config) RelayInterval() time.Duration {
	if c == nil || c.Events.RelayInterval == "" {
		return DefaultRelayInterval
	}
	d, err := time.ParseDuration(c.Events.RelayInterval)
	if err != nil || d <= 0 {
		return DefaultRelayInterval
	}
	return d
}

func (c *Config) BatchSize() int {
	if c == nil || c.Events.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.Events.BatchSize
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dealflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tenant.ID) == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if cur := c.Deals.DefaultCurrency; cur != "" && len(cur) != 3 {
		return fmt.Errorf("config.deals.default_currency must be a 3-letter code, got %q", cur)
	}
	if c.Deals.ListLimit < 0 || c.Deals.ListLimit > 200 {
		return fmt.Errorf("config.deals.list_limit must be between 0 and 200")
	}
	if p := c.Forecast.WorstCaseProbability; p != nil && (*p < 0 || *p > 100) {
		return fmt.Errorf("config.forecast.worst_case_probability must be between 0 and 100")
	}
	if c.Events.RelayInterval != "" {
		d, err := time.ParseDuration(c.Events.RelayInterval)
		if err != nil {
			return fmt.Errorf("config.events.relay_interval invalid: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.events.relay_interval must be positive")
		}
	}
	if c.Events.BatchSize < 0 {
		return fmt.Errorf("config.events.batch_size must not be negative")
	}
	for i, b := range c.Events.Kafka.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("config.events.kafka.brokers[%d] is empty", i)
		}
	}
	if c.Events.NATS.URL != "" {
		if _, err := url.Parse(c.Events.NATS.URL); err != nil {
			return fmt.Errorf("config.events.nats.url invalid: %w", err)
		}
	}
	for i, hook := range c.Events.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.events.webhooks[%d].url must be an absolute http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.events.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `tenant:
  id: %s

deals:
  auto_provision_pipeline: true
  default_currency: RON
  list_limit: 50

forecast:
  worst_case_probability: 75

events:
  relay_interval: 2s
  batch_size: 100
  kafka:
    brokers: []
    topic_prefix: "dealflow."
  nats:
    url: ""
    subject_prefix: "dealflow"
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info
  format: text
`
