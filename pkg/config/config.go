// Package config loads the settlement service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/settlement"
)

// Environment variables that override file values.
const (
	EnvDBPath       = "SETTLEMENT_DB_PATH"
	EnvAAAEndpoints = "SETTLEMENT_AAA_ENDPOINTS"
	EnvAAAUsername  = "SETTLEMENT_AAA_USERNAME"
	EnvAAAPassword  = "SETTLEMENT_AAA_PASSWORD"
	EnvLogLevel     = "SETTLEMENT_LOG_LEVEL"
	EnvMetricsAddr  = "SETTLEMENT_METRICS_ADDR"
)

// Config is the full service configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	AAA        AAAConfig        `yaml:"aaa"`
	Policy     PolicyConfig     `yaml:"policy"`
	Settlement SettlementConfig `yaml:"settlement"`
	Sync       SyncConfig       `yaml:"sync"`
	Notify     NotifyConfig     `yaml:"notify"`
	NAS        NASConfig        `yaml:"nas"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Endpoint is one AAA REST endpoint. Order is priority.
type Endpoint struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
}

type AAAConfig struct {
	Endpoints  []Endpoint    `yaml:"endpoints"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	RateLimit  float64       `yaml:"rate_limit"`
}

type PolicyConfig struct {
	DisconnectGroup    string            `yaml:"disconnect_group"`
	PulloutGroup       string            `yaml:"pullout_group"`
	PlanGroups         map[string]string `yaml:"plan_groups"`
	InferGroupFromPlan *bool             `yaml:"infer_group_from_plan"`
}

type SettlementConfig struct {
	LeaseName       string        `yaml:"lease_name"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	BatchSize       int           `yaml:"batch_size"`
	Interval        time.Duration `yaml:"interval"`
	RetryAfter      time.Duration `yaml:"retry_after"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	SuccessStatuses []string      `yaml:"success_statuses"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type NotifyConfig struct {
	WebhookURL        string        `yaml:"webhook_url"`
	Timeout           time.Duration `yaml:"timeout"`
	PaymentTemplate   string        `yaml:"payment_template"`
	ReconnectTemplate string        `yaml:"reconnect_template"`
}

// NASConfig enables RFC 5176 Disconnect-Messages when Secret is set.
type NASConfig struct {
	Secret         string        `yaml:"secret"`
	SecretFile     string        `yaml:"secret_file"`
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	DefaultAddress string        `yaml:"default_address"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for unset values.
func Default() *Config {
	wc := settlement.DefaultConfig()
	policy := session.DefaultPolicy()
	infer := policy.InferFromPlanName
	return &Config{
		Database: DatabaseConfig{Path: "/var/lib/settlement/settlement.db"},
		AAA: AAAConfig{
			Timeout:    aaa.DefaultTimeout,
			Retries:    aaa.DefaultRetries,
			RetryDelay: aaa.DefaultRetryDelay,
		},
		Policy: PolicyConfig{
			DisconnectGroup:    policy.DisconnectGroup,
			PulloutGroup:       policy.PulloutGroup,
			PlanGroups:         map[string]string{},
			InferGroupFromPlan: &infer,
		},
		Settlement: SettlementConfig{
			LeaseName:       wc.LeaseName,
			LeaseTTL:        wc.LeaseTTL,
			BatchSize:       wc.BatchSize,
			Interval:        time.Minute,
			RetryAfter:      wc.RetryAfter,
			StaleAfter:      wc.StaleAfter,
			SuccessStatuses: wc.SuccessStatuses,
		},
		Sync: SyncConfig{Interval: 5 * time.Minute},
		Notify: NotifyConfig{
			Timeout:           5 * time.Second,
			PaymentTemplate:   wc.PaymentTemplate,
			ReconnectTemplate: "service_reconnected",
		},
		NAS:     NASConfig{Port: 3799, Timeout: 3 * time.Second},
		Metrics: MetricsConfig{Addr: ":9090"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvAAAEndpoints); ok && v != "" {
		var eps []Endpoint
		for i, u := range splitAndTrim(v) {
			eps = append(eps, Endpoint{Name: "endpoint-" + strconv.Itoa(i+1), URL: u})
		}
		c.AAA.Endpoints = eps
	}
	if v, ok := lookup(EnvAAAUsername); ok && v != "" {
		for i := range c.AAA.Endpoints {
			c.AAA.Endpoints[i].Username = v
		}
	}
	if v, ok := lookup(EnvAAAPassword); ok && v != "" {
		for i := range c.AAA.Endpoints {
			c.AAA.Endpoints[i].Password = v
			c.AAA.Endpoints[i].PasswordFile = ""
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.Metrics.Addr = v
	}
}

func (c *Config) resolveSecrets() error {
	for i := range c.AAA.Endpoints {
		ep := &c.AAA.Endpoints[i]
		if ep.PasswordFile == "" {
			continue
		}
		secret, err := readSecret(ep.PasswordFile)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", ep.URL, err)
		}
		ep.Password = secret
	}
	if c.NAS.SecretFile != "" {
		secret, err := readSecret(c.NAS.SecretFile)
		if err != nil {
			return fmt.Errorf("nas: %w", err)
		}
		c.NAS.Secret = secret
	}
	return nil
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AAAWorstCase is the longest a single AAA operation can take when every
// endpoint exhausts its retries.
func (c *Config) AAAWorstCase() time.Duration {
	retries := c.AAA.Retries
	if retries < 1 {
		retries = 1
	}
	perEndpoint := time.Duration(retries)*c.AAA.Timeout + time.Duration(retries-1)*c.AAA.RetryDelay
	return perEndpoint * time.Duration(len(c.AAA.Endpoints))
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if len(c.AAA.Endpoints) == 0 {
		errs = append(errs, errors.New("aaa.endpoints must list at least one endpoint"))
	}
	for i, ep := range c.AAA.Endpoints {
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("aaa.endpoints[%d].url is required", i))
		}
	}
	if c.AAA.Timeout <= 0 {
		errs = append(errs, errors.New("aaa.timeout must be positive"))
	}
	if c.AAA.Retries < 1 {
		errs = append(errs, fmt.Errorf("aaa.retries must be at least 1, got %d", c.AAA.Retries))
	}
	if c.Settlement.LeaseTTL <= 0 {
		errs = append(errs, errors.New("settlement.lease_ttl must be positive"))
	}
	if c.Settlement.BatchSize <= 0 {
		errs = append(errs, errors.New("settlement.batch_size must be positive"))
	}
	if c.Settlement.LeaseTTL > 0 && len(c.AAA.Endpoints) > 0 && c.Settlement.LeaseTTL <= c.AAAWorstCase() {
		errs = append(errs, fmt.Errorf("settlement.lease_ttl %s must exceed the AAA worst case %s",
			c.Settlement.LeaseTTL, c.AAAWorstCase()))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.Log.Level))
	}
	return errors.Join(errs...)
}

// AAAEndpoints returns the endpoint list in priority order.
func (c *Config) AAAEndpoints() []aaa.EndpointConfig {
	out := make([]aaa.EndpointConfig, 0, len(c.AAA.Endpoints))
	for i, ep := range c.AAA.Endpoints {
		name := ep.Name
		if name == "" {
			name = "endpoint-" + strconv.Itoa(i+1)
		}
		out = append(out, aaa.EndpointConfig{
			Name:     name,
			URL:      ep.URL,
			Username: ep.Username,
			Password: ep.Password,
		})
	}
	return out
}

// ClientConfig returns the shared AAA transport settings.
func (c *Config) ClientConfig() aaa.ClientConfig {
	return aaa.ClientConfig{
		Timeout:    c.AAA.Timeout,
		Retries:    c.AAA.Retries,
		RetryDelay: c.AAA.RetryDelay,
		RateLimit:  c.AAA.RateLimit,
	}
}

// SessionPolicy returns the plan to group policy.
func (c *Config) SessionPolicy() session.Policy {
	p := session.Policy{
		DisconnectGroup:   c.Policy.DisconnectGroup,
		PulloutGroup:      c.Policy.PulloutGroup,
		PlanGroups:        c.Policy.PlanGroups,
		InferFromPlanName: true,
	}
	if c.Policy.InferGroupFromPlan != nil {
		p.InferFromPlanName = *c.Policy.InferGroupFromPlan
	}
	return p
}

// WorkerConfig returns the settlement worker settings.
func (c *Config) WorkerConfig() settlement.Config {
	wc := settlement.DefaultConfig()
	wc.LeaseName = c.Settlement.LeaseName
	wc.LeaseTTL = c.Settlement.LeaseTTL
	wc.BatchSize = c.Settlement.BatchSize
	wc.RetryAfter = c.Settlement.RetryAfter
	wc.StaleAfter = c.Settlement.StaleAfter
	if len(c.Settlement.SuccessStatuses) > 0 {
		wc.SuccessStatuses = c.Settlement.SuccessStatuses
	}
	if c.Notify.PaymentTemplate != "" {
		wc.PaymentTemplate = c.Notify.PaymentTemplate
	}
	return wc
}

// DisconnectConfig returns the NAS Disconnect-Message settings, or false
// when no NAS secret is configured.
func (c *Config) DisconnectConfig() (aaa.DisconnectConfig, bool) {
	if c.NAS.Secret == "" {
		return aaa.DisconnectConfig{}, false
	}
	return aaa.DisconnectConfig{
		Secret:  c.NAS.Secret,
		Port:    c.NAS.Port,
		Timeout: c.NAS.Timeout,
	}, true
}

func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
