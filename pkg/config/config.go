// Package config loads and watches the fleetcore YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Server      ServerConfig      `yaml:"server"`
	Listeners   []ListenerConfig  `yaml:"listeners"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Commands    CommandsConfig    `yaml:"commands"`
	Hub         HubConfig         `yaml:"hub"`
	Logs        LogConfig         `yaml:"logs"`
	Security    SecurityConfig    `yaml:"security"`
}

// ApplicationConfig holds application identity.
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ServerConfig holds the HTTP/WebSocket server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ListenerConfig binds one protocol to one transport and port.
type ListenerConfig struct {
	Protocol  string `yaml:"protocol"`
	Transport string `yaml:"transport"` // tcp or udp
	Port      int    `yaml:"port"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// RedisConfig holds the optional cross-process pub/sub settings.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// PipelineConfig tunes the position pipeline.
type PipelineConfig struct {
	MaxFutureDrift   time.Duration `yaml:"max_future_drift"`
	MaxPastDrift     time.Duration `yaml:"max_past_drift"`
	OdometerWindow   time.Duration `yaml:"odometer_window"`
	JumpThresholdKm  float64       `yaml:"jump_threshold_km"`
	JumpWindow       time.Duration `yaml:"jump_window"`
	TripIdleGap      time.Duration `yaml:"trip_idle_gap"`
	TripMoveSpeedKmh float64       `yaml:"trip_move_speed_kmh"`
	TripMoveHold     time.Duration `yaml:"trip_move_hold"`
	TripStopHold     time.Duration `yaml:"trip_stop_hold"`
}

// AlertsConfig tunes the alert engine.
type AlertsConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CommandsConfig tunes the command dispatcher.
type CommandsConfig struct {
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	DefaultRetries int           `yaml:"default_retries"`
}

// HubConfig tunes the broadcast hub.
type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Path       string `yaml:"path"`
	Format     string `yaml:"format"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig holds the credential-signing settings.
type SecurityConfig struct {
	Secret      string        `yaml:"secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// DefaultListeners is the default port plan; each entry may be
// overridden per protocol via FLEETCORE_PORT_<PROTO>.
var DefaultListeners = []ListenerConfig{
	{Protocol: "tk103", Transport: "tcp", Port: 5021},
	{Protocol: "gps103", Transport: "tcp", Port: 5022},
	{Protocol: "gt06", Transport: "tcp", Port: 5023},
	{Protocol: "h02", Transport: "udp", Port: 5025},
	{Protocol: "queclink", Transport: "tcp", Port: 5026},
	{Protocol: "teltonika", Transport: "tcp", Port: 5027},
	{Protocol: "totem", Transport: "tcp", Port: 5028},
	{Protocol: "osmand", Transport: "tcp", Port: 5055},
	{Protocol: "flespi", Transport: "tcp", Port: 5149},
}

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Get returns the global configuration instance.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Watch reloads the configuration whenever the file changes. The
// returned stop function closes the watcher.
func Watch(configPath string, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(configPath)
				if err != nil {
					continue
				}
				if onReload != nil {
					onReload(cfg)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

func defaults() *Config {
	return &Config{
		Application: ApplicationConfig{Name: "fleetcore", Version: "1.0.0"},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Listeners: append([]ListenerConfig(nil), DefaultListeners...),
		Database:  DatabaseConfig{MaxConns: 50, MaxIdle: 10},
		Pipeline: PipelineConfig{
			MaxFutureDrift:   24 * time.Hour,
			MaxPastDrift:     30 * 24 * time.Hour,
			OdometerWindow:   12 * time.Hour,
			JumpThresholdKm:  500,
			JumpWindow:       5 * time.Minute,
			TripIdleGap:      15 * time.Minute,
			TripMoveSpeedKmh: 5,
			TripMoveHold:     60 * time.Second,
			TripStopHold:     60 * time.Second,
		},
		Alerts:   AlertsConfig{SweepInterval: 60 * time.Second},
		Commands: CommandsConfig{AckTimeout: 60 * time.Second, DefaultRetries: 2},
		Hub:      HubConfig{SubscriberBuffer: 64},
		Logs:     LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Security: SecurityConfig{TokenExpiry: 24 * time.Hour},
	}
}

// applyEnv maps well-known environment variables over the file config.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("FLEETCORE_SECRET"); v != "" {
		c.Security.Secret = v
	}
	if v := os.Getenv("FLEETCORE_BIND"); v != "" {
		c.Server.Host = v
	}
	for i := range c.Listeners {
		key := "FLEETCORE_PORT_" + strings.ToUpper(c.Listeners[i].Protocol)
		if v := os.Getenv(key); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				c.Listeners[i].Port = port
			}
		}
	}
}

// Validate performs configuration validation.
func (c *Config) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Security.Secret == "" {
		return fmt.Errorf("signing secret is required (FLEETCORE_SECRET)")
	}
	seen := make(map[int]string)
	for _, l := range c.Listeners {
		if l.Transport != "tcp" && l.Transport != "udp" {
			return fmt.Errorf("listener %s: invalid transport %q", l.Protocol, l.Transport)
		}
		if l.Port < 1 || l.Port > 65535 {
			return fmt.Errorf("listener %s: invalid port %d", l.Protocol, l.Port)
		}
		if other, dup := seen[l.Port]; dup {
			return fmt.Errorf("listener %s: port %d already bound to %s", l.Protocol, l.Port, other)
		}
		seen[l.Port] = l.Protocol
	}
	return nil
}

// GetAddr returns the HTTP server address in host:port format.
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
