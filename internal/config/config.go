// Package config loads gateway configuration from an optional YAML file with
// environment overrides on top. Environment always wins, so deployments can
// keep one file and vary per-instance settings without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the admin HTTP surface.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`
	Debug      bool   `yaml:"debug"`
}

// ControlPlaneConfig is the WebSocket ingress.
type ControlPlaneConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// DispatchConfig tunes the invocation pipeline.
type DispatchConfig struct {
	TimeoutSeconds   float64 `yaml:"timeout_seconds"`
	BatchConcurrency int     `yaml:"batch_concurrency"`
}

// ProvidersConfig drives spawned provider management.
type ProvidersConfig struct {
	PortRangeStart      int     `yaml:"port_range_start"`
	PortRangeEnd        int     `yaml:"port_range_end"`
	ManifestPath        string  `yaml:"manifest_path"`
	SweepIntervalSecs   float64 `yaml:"sweep_interval_seconds"`
	ProbeTimeoutSecs    float64 `yaml:"probe_timeout_seconds"`
	ConnectTimeoutSecs  float64 `yaml:"connect_timeout_seconds"`
	CallTimeoutSecs     float64 `yaml:"call_timeout_seconds"`
	SkipPredefinedProbe bool    `yaml:"skip_predefined_probe"`
}

// EventsConfig selects the shared bus. An empty RedisAddr disables it.
type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	MaxEntries        int     `yaml:"max_entries"`
	TTLSeconds        float64 `yaml:"ttl_seconds"`
	SweepIntervalSecs float64 `yaml:"sweep_interval_seconds"`
}

// Config is the full gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Events       EventsConfig       `yaml:"events"`
	Cache        CacheConfig        `yaml:"cache"`
	// Aliases maps agent-facing tool IDs onto registry IDs.
	Aliases  map[string]string `yaml:"aliases"`
	LogLevel string            `yaml:"log_level"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		ControlPlane: ControlPlaneConfig{
			Host: "127.0.0.1",
			Port: 8081,
			Path: "/ws",
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 120,
		},
		Providers: ProvidersConfig{
			PortRangeStart:     9000,
			PortRangeEnd:       9999,
			ManifestPath:       defaultManifestPath(),
			SweepIntervalSecs:  30,
			ProbeTimeoutSecs:   5,
			ConnectTimeoutSecs: 5,
			CallTimeoutSecs:    120,
		},
		Cache: CacheConfig{
			MaxEntries:        1024,
			TTLSeconds:        600,
			SweepIntervalSecs: 60,
		},
		LogLevel: "info",
	}
}

func defaultManifestPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "toolgate-providers.yaml"
	}
	return home + "/.toolgate/providers.yaml"
}

// Load reads path (optional, "" or a missing file means defaults only) and
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers the well-known variables over whatever the file set.
func (c *Config) applyEnv() {
	setStr(&c.Server.Host, "TOOLGATE_HOST")
	setInt(&c.Server.Port, "TOOLGATE_PORT")
	setStr(&c.Server.AdminToken, "TOOLGATE_ADMIN_TOKEN")
	setStr(&c.ControlPlane.Host, "TOOLGATE_CP_HOST")
	setInt(&c.ControlPlane.Port, "TOOLGATE_CP_PORT")
	setStr(&c.Providers.ManifestPath, "TOOLGATE_MANIFEST")
	setInt(&c.Providers.PortRangeStart, "TOOLGATE_PORT_RANGE_START")
	setInt(&c.Providers.PortRangeEnd, "TOOLGATE_PORT_RANGE_END")
	setStr(&c.Events.RedisAddr, "TOOLGATE_REDIS_ADDR")
	setStr(&c.Events.RedisPassword, "TOOLGATE_REDIS_PASSWORD")
	setInt(&c.Events.RedisDB, "TOOLGATE_REDIS_DB")
	setStr(&c.LogLevel, "TOOLGATE_LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Server.Port)
	}
	if c.ControlPlane.Port <= 0 || c.ControlPlane.Port > 65535 {
		return fmt.Errorf("invalid control-plane port: %d", c.ControlPlane.Port)
	}
	if c.Providers.PortRangeEnd < c.Providers.PortRangeStart {
		return fmt.Errorf("invalid provider port range: %d-%d",
			c.Providers.PortRangeStart, c.Providers.PortRangeEnd)
	}
	return nil
}

// Duration helpers for the seconds-typed fields.

func (d DispatchConfig) Timeout() time.Duration { return secs(d.TimeoutSeconds) }

func (p ProvidersConfig) SweepInterval() time.Duration  { return secs(p.SweepIntervalSecs) }
func (p ProvidersConfig) ProbeTimeout() time.Duration   { return secs(p.ProbeTimeoutSecs) }
func (p ProvidersConfig) ConnectTimeout() time.Duration { return secs(p.ConnectTimeoutSecs) }
func (p ProvidersConfig) CallTimeout() time.Duration    { return secs(p.CallTimeoutSecs) }

func (c CacheConfig) TTL() time.Duration           { return secs(c.TTLSeconds) }
func (c CacheConfig) SweepInterval() time.Duration { return secs(c.SweepIntervalSecs) }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
