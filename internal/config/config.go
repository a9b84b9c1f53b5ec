package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 8080
	defaultEnv        = "development"

	defaultTimePerPeso      = 12.0 // minutes granted per peso when no exact rate matches
	defaultSweepSeconds     = 30
	defaultReconcileSec     = 300
	defaultPesoPerPulse     = 1.0
	defaultHoldSeconds      = 120
	defaultPulseBuffer      = 64
	defaultStageTimeoutMS   = 3000
	defaultStageRetries     = 2
	defaultExternalTarget   = "1.1.1.1"
	defaultDNSProbeName     = "google.com"
	defaultPortalStatusURL  = "http://127.0.0.1:8080/api/v1/health"
	defaultWANInterface     = "eth0"
	defaultLANInterface     = "br-lan"
	defaultAllowChain       = "PISOWIFI_ALLOW"
	defaultOrphanPolicy     = "discard"
	defaultSessionTablePage = 20
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int                   `yaml:"port"`
	DSN            string                `yaml:"dsn"`
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	Env            string                `yaml:"env"` // "development" | "production"
	AllowedOrigins []string              `yaml:"allowed_origins"`
	JWTSecret      string                `yaml:"jwt_secret"`
	Timezone       string                `yaml:"timezone"`
	Session        SessionConfig         `yaml:"session"`
	Coinslot       CoinslotConfig        `yaml:"coinslot"`
	Diagnostic     DiagnosticConfig      `yaml:"diagnostic"`
	Network        NetworkConfig         `yaml:"network"`
}

// RateEntry maps an exact paid amount to granted minutes.
type RateEntry struct {
	Pesos   float64 `yaml:"pesos"`
	Minutes int     `yaml:"minutes"`
}

// SessionConfig controls the session lifecycle engine.
type SessionConfig struct {
	Rates []RateEntry `yaml:"rates"`
	// TimePerPeso is the fallback minutes-per-peso rate when no exact
	// rate entry matches the paid amount.
	TimePerPeso        float64 `yaml:"time_per_peso"`
	SweepIntervalSec   int     `yaml:"sweep_interval_seconds"`
	// ReconcileIntervalSec drives the periodic drift-healing pass over
	// all active sessions.
	ReconcileIntervalSec int `yaml:"reconcile_interval_seconds"`
	// ExtendResumesPaused resolves whether extending a paused session
	// implicitly resumes it. Default false: the extension lands on the
	// frozen end time and the countdown stays paused.
	ExtendResumesPaused bool `yaml:"extend_resumes_paused"`
	PageSize            int  `yaml:"page_size"`
}

// CoinslotConfig controls the coin acceptor bridge.
type CoinslotConfig struct {
	PesoPerPulse float64 `yaml:"peso_per_pulse"`
	// OrphanPulsePolicy decides what happens to pulses that arrive while
	// no device holds the slot: "discard" or "bucket".
	OrphanPulsePolicy string `yaml:"orphan_pulse_policy"`
	HoldTimeoutSec    int    `yaml:"hold_timeout_seconds"`
	PulseBuffer       int    `yaml:"pulse_buffer"`
}

// DiagnosticConfig controls the staged connectivity remediation pipeline.
type DiagnosticConfig struct {
	StageTimeoutMS  int    `yaml:"stage_timeout_ms"`
	StageRetries    int    `yaml:"stage_retries"`
	ExternalTarget  string `yaml:"external_target"`
	DNSProbeName    string `yaml:"dns_probe_name"`
	PortalStatusURL string `yaml:"portal_status_url"`
	PortalOnly      bool   `yaml:"portal_only"`
}

// NetworkConfig describes the enforcement environment.
type NetworkConfig struct {
	WANInterface string `yaml:"wan_interface"`
	LANInterface string `yaml:"lan_interface"`
	// AllowChain is the iptables chain holding per-device permits.
	AllowChain string `yaml:"allow_chain"`
	// GatewayOverride skips gateway discovery when set.
	GatewayOverride string `yaml:"gateway_override"`
	IptablesPath    string `yaml:"iptables_path"`
	IPPath          string `yaml:"ip_path"`
	SystemctlPath   string `yaml:"systemctl_path"`
}

type rawAppConfig struct {
	Port           int                   `yaml:"port"`
	DSN            string                `yaml:"dsn"`
	DatabaseURL    string                `yaml:"database_url"`
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	Env            string                `yaml:"env"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	JWTSecret      string                `yaml:"jwt_secret"`
	Timezone       string                `yaml:"timezone"`
	TZ             string                `yaml:"tz"`
	Session        SessionConfig         `yaml:"session"`
	Coinslot       CoinslotConfig        `yaml:"coinslot"`
	Diagnostic     DiagnosticConfig      `yaml:"diagnostic"`
	Network        NetworkConfig         `yaml:"network"`
}

// Load reads and validates the YAML config file at path.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	raw := rawAppConfig{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	applyRaw(cfg, raw)
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	cfg := &AppConfig{
		Port:     defaultPort,
		Env:      defaultEnv,
		Database: defaultDatabaseConfig(),
		Redis:    defaultRedisConfig(),
		Session: SessionConfig{
			TimePerPeso:          defaultTimePerPeso,
			SweepIntervalSec:     defaultSweepSeconds,
			ReconcileIntervalSec: defaultReconcileSec,
			PageSize:             defaultSessionTablePage,
			Rates: []RateEntry{
				{Pesos: 1, Minutes: 15},
				{Pesos: 5, Minutes: 120},
				{Pesos: 10, Minutes: 480},
			},
		},
		Coinslot: CoinslotConfig{
			PesoPerPulse:      defaultPesoPerPulse,
			OrphanPulsePolicy: defaultOrphanPolicy,
			HoldTimeoutSec:    defaultHoldSeconds,
			PulseBuffer:       defaultPulseBuffer,
		},
		Diagnostic: DiagnosticConfig{
			StageTimeoutMS:  defaultStageTimeoutMS,
			StageRetries:    defaultStageRetries,
			ExternalTarget:  defaultExternalTarget,
			DNSProbeName:    defaultDNSProbeName,
			PortalStatusURL: defaultPortalStatusURL,
		},
		Network: NetworkConfig{
			WANInterface:  defaultWANInterface,
			LANInterface:  defaultLANInterface,
			AllowChain:    defaultAllowChain,
			IptablesPath:  "iptables",
			IPPath:        "ip",
			SystemctlPath: "systemctl",
		},
	}
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRaw(cfg *AppConfig, raw rawAppConfig) {
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	cfg.Database = mergeDatabaseConfig(cfg.Database, raw.Database, raw.DSN, raw.DatabaseURL)
	cfg.Redis = mergeRedisConfig(cfg.Redis, raw.Redis, raw.RedisURL)
	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = strings.ToLower(v)
	}
	if raw.AllowedOrigins != nil {
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	}
	if v := strings.TrimSpace(raw.JWTSecret); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(raw.Timezone); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(raw.TZ); v != "" {
		cfg.Timezone = v
	}

	if len(raw.Session.Rates) > 0 {
		cfg.Session.Rates = raw.Session.Rates
	}
	if raw.Session.TimePerPeso > 0 {
		cfg.Session.TimePerPeso = raw.Session.TimePerPeso
	}
	if raw.Session.SweepIntervalSec > 0 {
		cfg.Session.SweepIntervalSec = raw.Session.SweepIntervalSec
	}
	if raw.Session.ReconcileIntervalSec > 0 {
		cfg.Session.ReconcileIntervalSec = raw.Session.ReconcileIntervalSec
	}
	if raw.Session.PageSize > 0 {
		cfg.Session.PageSize = raw.Session.PageSize
	}
	cfg.Session.ExtendResumesPaused = raw.Session.ExtendResumesPaused

	if raw.Coinslot.PesoPerPulse > 0 {
		cfg.Coinslot.PesoPerPulse = raw.Coinslot.PesoPerPulse
	}
	if v := strings.ToLower(strings.TrimSpace(raw.Coinslot.OrphanPulsePolicy)); v != "" {
		cfg.Coinslot.OrphanPulsePolicy = v
	}
	if raw.Coinslot.HoldTimeoutSec > 0 {
		cfg.Coinslot.HoldTimeoutSec = raw.Coinslot.HoldTimeoutSec
	}
	if raw.Coinslot.PulseBuffer > 0 {
		cfg.Coinslot.PulseBuffer = raw.Coinslot.PulseBuffer
	}

	if raw.Diagnostic.StageTimeoutMS > 0 {
		cfg.Diagnostic.StageTimeoutMS = raw.Diagnostic.StageTimeoutMS
	}
	if raw.Diagnostic.StageRetries > 0 {
		cfg.Diagnostic.StageRetries = raw.Diagnostic.StageRetries
	}
	if v := strings.TrimSpace(raw.Diagnostic.ExternalTarget); v != "" {
		cfg.Diagnostic.ExternalTarget = v
	}
	if v := strings.TrimSpace(raw.Diagnostic.DNSProbeName); v != "" {
		cfg.Diagnostic.DNSProbeName = v
	}
	if v := strings.TrimSpace(raw.Diagnostic.PortalStatusURL); v != "" {
		cfg.Diagnostic.PortalStatusURL = v
	}
	cfg.Diagnostic.PortalOnly = raw.Diagnostic.PortalOnly

	if v := strings.TrimSpace(raw.Network.WANInterface); v != "" {
		cfg.Network.WANInterface = v
	}
	if v := strings.TrimSpace(raw.Network.LANInterface); v != "" {
		cfg.Network.LANInterface = v
	}
	if v := strings.TrimSpace(raw.Network.AllowChain); v != "" {
		cfg.Network.AllowChain = v
	}
	if v := strings.TrimSpace(raw.Network.GatewayOverride); v != "" {
		cfg.Network.GatewayOverride = v
	}
	if v := strings.TrimSpace(raw.Network.IptablesPath); v != "" {
		cfg.Network.IptablesPath = v
	}
	if v := strings.TrimSpace(raw.Network.IPPath); v != "" {
		cfg.Network.IPPath = v
	}
	if v := strings.TrimSpace(raw.Network.SystemctlPath); v != "" {
		cfg.Network.SystemctlPath = v
	}

	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
}

func (c *AppConfig) validate(path string) error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d in %q, expected 1-65535", c.Port, path)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database.port %d in %q, expected 1-65535", c.Database.Port, path)
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis.port %d in %q, expected 1-65535", c.Redis.Port, path)
	}
	switch c.Coinslot.OrphanPulsePolicy {
	case "discard", "bucket":
	default:
		return fmt.Errorf("invalid coinslot.orphan_pulse_policy %q in %q, expected discard or bucket", c.Coinslot.OrphanPulsePolicy, path)
	}
	for _, r := range c.Session.Rates {
		if r.Pesos <= 0 || r.Minutes <= 0 {
			return fmt.Errorf("invalid session rate entry {pesos: %v, minutes: %d} in %q", r.Pesos, r.Minutes, path)
		}
	}
	return nil
}

// SweepInterval returns the expiry sweep period.
func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// ReconcileInterval returns the drift-healing period.
func (s SessionConfig) ReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalSec) * time.Second
}

// HoldTimeout returns how long an idle slot claim survives.
func (c CoinslotConfig) HoldTimeout() time.Duration {
	return time.Duration(c.HoldTimeoutSec) * time.Second
}

// StageTimeout returns the per-attempt probe deadline.
func (d DiagnosticConfig) StageTimeout() time.Duration {
	return time.Duration(d.StageTimeoutMS) * time.Millisecond
}

// MinutesFor resolves paid pesos to granted minutes: exact rate-table
// match first, then the time_per_peso fallback.
func (s SessionConfig) MinutesFor(pesos float64) int {
	for _, r := range s.Rates {
		if math.Abs(r.Pesos-pesos) < 1e-9 {
			return r.Minutes
		}
	}
	return int(math.Round(pesos * s.TimePerPeso))
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool {
	return strings.EqualFold(c.Env, defaultEnv)
}
