package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flockctl/flockctl/internal/util"
	"sigs.k8s.io/yaml"
)

const (
	appName = "flockctl"

	// EnvDatabasePassword overrides database.password so the secret can stay
	// out of the config file.
	EnvDatabasePassword = "FLOCKCTL_DB_PASSWORD"

	redactedPlaceholder = "[REDACTED]"
)

type Config struct {
	Database   *dbConfig         `json:"database,omitempty"`
	Service    *svcConfig        `json:"service,omitempty"`
	Auth       *authConfig       `json:"auth,omitempty"`
	Heartbeat  *heartbeatConfig  `json:"heartbeat,omitempty"`
	Rollouts   *rolloutConfig    `json:"rollouts,omitempty"`
	Jobs       *jobConfig        `json:"jobs,omitempty"`
	Events     *eventConfig      `json:"events,omitempty"`
	Prometheus *prometheusConfig `json:"prometheus,omitempty"`
}

type dbConfig struct {
	Type     string `json:"type,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type svcConfig struct {
	Address               string           `json:"address,omitempty"`
	ApiVersion            string           `json:"apiVersion,omitempty"`
	LogLevel              string           `json:"logLevel,omitempty"`
	HTTPReadTimeout       string           `json:"httpReadTimeout,omitempty"`
	HTTPReadHeaderTimeout string           `json:"httpReadHeaderTimeout,omitempty"`
	HTTPWriteTimeout      string           `json:"httpWriteTimeout,omitempty"`
	HTTPIdleTimeout       string           `json:"httpIdleTimeout,omitempty"`
	HTTPMaxRequestSize    int64            `json:"httpMaxRequestSize,omitempty"`
	HTTPMaxHeaderBytes    int              `json:"httpMaxHeaderBytes,omitempty"`
	HTTPMaxURLLength      int              `json:"httpMaxUrlLength,omitempty"`
	HTTPMaxNumHeaders     int              `json:"httpMaxNumHeaders,omitempty"`
	ShutdownGracePeriod   string           `json:"shutdownGracePeriod,omitempty"`
	RateLimit             *rateLimitConfig `json:"rateLimit,omitempty"`
}

type rateLimitConfig struct {
	Requests        int      `json:"requests,omitempty"`
	Window          string   `json:"window,omitempty"`
	WebhookRequests int      `json:"webhookRequests,omitempty"`
	WebhookWindow   string   `json:"webhookWindow,omitempty"`
	TrustedProxies  []string `json:"trustedProxies,omitempty"`
}

// authConfig holds the opaque credentials the bundled validator accepts.
// When the whole section is absent, authentication is disabled (development
// mode) and every request passes.
type authConfig struct {
	// DeviceKey is the shared secret devices present as
	// "Bearer <uuid>:<deviceKey>".
	DeviceKey string `json:"deviceKey,omitempty"`
	// OperatorKeys are accepted as "Bearer <key>" on operator endpoints.
	OperatorKeys []string `json:"operatorKeys,omitempty"`
}

type heartbeatConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	CheckInterval    string `json:"checkInterval,omitempty"`
	OfflineThreshold string `json:"offlineThreshold,omitempty"`
}

type rolloutConfig struct {
	TickInterval      string `json:"tickInterval,omitempty"`
	VerifyGracePeriod string `json:"verifyGracePeriod,omitempty"`
	WebhookSecret     string `json:"webhookSecret,omitempty"`
}

type jobConfig struct {
	TimeoutSweepInterval string `json:"timeoutSweepInterval,omitempty"`
}

type eventConfig struct {
	RetentionDays       int    `json:"retentionDays,omitempty"`
	PartitionAheadDays  int    `json:"partitionAheadDays,omitempty"`
	MaintenanceInterval string `json:"maintenanceInterval,omitempty"`
}

// prometheusConfig controls the metrics endpoint. A nil section disables
// metrics entirely, like auth.
type prometheusConfig struct {
	Address        string    `json:"address,omitempty"`
	SloMax         float64   `json:"sloMax,omitempty"`
	ApiLatencyBins []float64 `json:"apiLatencyBins,omitempty"`
}

func ConfigDir() string {
	return filepath.Join(util.MustString(os.UserHomeDir), "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	c := &Config{
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     5432,
			Name:     "flockctl",
			User:     "admin",
			Password: "adminpass",
		},
		Service: &svcConfig{
			Address:               ":3000",
			ApiVersion:            "v1",
			LogLevel:              "info",
			HTTPReadTimeout:       "5m",
			HTTPReadHeaderTimeout: "5m",
			HTTPWriteTimeout:      "5m",
			HTTPIdleTimeout:       "90s",
			HTTPMaxRequestSize:    10 * 1024 * 1024,
			HTTPMaxHeaderBytes:    32 * 1024,
			HTTPMaxURLLength:      2000,
			HTTPMaxNumHeaders:     32,
			ShutdownGracePeriod:   "20s",
			RateLimit: &rateLimitConfig{
				Requests:        300,
				Window:          "1m",
				WebhookRequests: 60,
				WebhookWindow:   "1m",
			},
		},
		Heartbeat: &heartbeatConfig{
			CheckInterval:    "60s",
			OfflineThreshold: "5m",
		},
		Rollouts: &rolloutConfig{
			TickInterval:      "30s",
			VerifyGracePeriod: "5m",
		},
		Jobs: &jobConfig{
			TimeoutSweepInterval: "30s",
		},
		Events: &eventConfig{
			RetentionDays:       90,
			PartitionAheadDays:  3,
			MaintenanceInterval: "1h",
		},
		Prometheus: &prometheusConfig{
			Address: ":15690",
			SloMax:  4.0,
		},
	}
	return c
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %v", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %v", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %v", err)
	}
	c.restoreDefaults()
	if pw := os.Getenv(EnvDatabasePassword); pw != "" && c.Database != nil {
		c.Database.Password = pw
	}
	return c, nil
}

// restoreDefaults reinstates sections an explicit null in the file wiped
// out, so the rest of the code never nil-checks them.
func (cfg *Config) restoreDefaults() {
	def := NewDefault()
	if cfg.Database == nil {
		cfg.Database = def.Database
	}
	if cfg.Service == nil {
		cfg.Service = def.Service
	}
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.Rollouts == nil {
		cfg.Rollouts = def.Rollouts
	}
	if cfg.Jobs == nil {
		cfg.Jobs = def.Jobs
	}
	if cfg.Events == nil {
		cfg.Events = def.Events
	}
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %v", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %v", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Database == nil || cfg.Database.Hostname == "" || cfg.Database.Name == "" {
		return fmt.Errorf("database hostname and name must be set")
	}
	if cfg.Service == nil || cfg.Service.Address == "" {
		return fmt.Errorf("service address must be set")
	}
	if cfg.Service.ApiVersion == "" {
		return fmt.Errorf("service apiVersion must be set")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"service.httpReadTimeout", cfg.Service.HTTPReadTimeout},
		{"service.httpReadHeaderTimeout", cfg.Service.HTTPReadHeaderTimeout},
		{"service.httpWriteTimeout", cfg.Service.HTTPWriteTimeout},
		{"service.httpIdleTimeout", cfg.Service.HTTPIdleTimeout},
		{"service.shutdownGracePeriod", cfg.Service.ShutdownGracePeriod},
		{"heartbeat.checkInterval", cfg.Heartbeat.CheckInterval},
		{"heartbeat.offlineThreshold", cfg.Heartbeat.OfflineThreshold},
		{"rollouts.tickInterval", cfg.Rollouts.TickInterval},
		{"rollouts.verifyGracePeriod", cfg.Rollouts.VerifyGracePeriod},
		{"jobs.timeoutSweepInterval", cfg.Jobs.TimeoutSweepInterval},
		{"events.maintenanceInterval", cfg.Events.MaintenanceInterval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := util.ExtendedParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	if cfg.Events != nil && cfg.Events.RetentionDays < 1 {
		return fmt.Errorf("events.retentionDays must be at least 1")
	}
	return nil
}

// ParseDuration resolves a config duration string, falling back to the
// given default when the field is empty.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := util.ExtendedParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func (cfg *Config) HeartbeatEnabled() bool {
	if cfg.Heartbeat == nil || cfg.Heartbeat.Enabled == nil {
		return true
	}
	return *cfg.Heartbeat.Enabled
}

// String renders the config for logs with secrets redacted. Save still
// writes the real values; only the log form is scrubbed.
func (cfg *Config) String() string {
	scrubbed := *cfg
	if cfg.Database != nil && cfg.Database.Password != "" {
		db := *cfg.Database
		db.Password = redactedPlaceholder
		scrubbed.Database = &db
	}
	if cfg.Auth != nil {
		a := *cfg.Auth
		if a.DeviceKey != "" {
			a.DeviceKey = redactedPlaceholder
		}
		if len(a.OperatorKeys) > 0 {
			keys := make([]string, len(a.OperatorKeys))
			for i := range keys {
				keys[i] = redactedPlaceholder
			}
			a.OperatorKeys = keys
		}
		scrubbed.Auth = &a
	}
	if cfg.Rollouts != nil && cfg.Rollouts.WebhookSecret != "" {
		r := *cfg.Rollouts
		r.WebhookSecret = redactedPlaceholder
		scrubbed.Rollouts = &r
	}
	contents, err := json.Marshal(&scrubbed)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
