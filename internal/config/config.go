// Package config loads gateway settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Client driver names.
const (
	DriverBridge = "bridge"
	DriverMock   = "mock"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Hub     HubConfig     `yaml:"hub"`
	Client  ClientConfig  `yaml:"client"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// StaticDir, when set, is served at / for the dashboard.
	StaticDir string `yaml:"static_dir"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	// DataDir holds one credential directory per session.
	DataDir string `yaml:"data_dir"`
}

type SessionConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	// StartTimeout bounds the client's acknowledgement of a start request,
	// not the time to reach ready.
	StartTimeout    time.Duration `yaml:"start_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	MaxSendFailures int           `yaml:"max_send_failures"`
}

type HubConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

type ClientConfig struct {
	Driver string       `yaml:"driver"`
	Bridge BridgeConfig `yaml:"bridge"`
	Mock   MockConfig   `yaml:"mock"`
}

type BridgeConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// Transcript enables recording of the bridge's stdio per session.
	Transcript bool `yaml:"transcript"`
}

type MockConfig struct {
	QRDelay    time.Duration `yaml:"qr_delay"`
	ReadyDelay time.Duration `yaml:"ready_delay"`
	ContactID  string        `yaml:"contact_id"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
	// PersistLevel is the minimum level copied into the system_logs table.
	// Empty disables persistence.
	PersistLevel string `yaml:"persist_level"`
	// StreamLevel is the minimum level pushed to event subscribers as log
	// events. Empty disables streaming.
	StreamLevel string `yaml:"stream_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			DBPath:  "data/gateway.db",
			DataDir: "data/sessions",
		},
		Session: SessionConfig{
			MaxSessions:     50,
			StartTimeout:    30 * time.Second,
			StopTimeout:     10 * time.Second,
			PersistTimeout:  2 * time.Second,
			MaxSendFailures: 3,
		},
		Hub: HubConfig{
			SubscriberBuffer:  256,
			KeepAliveInterval: 30 * time.Second,
		},
		Client: ClientConfig{
			Driver: DriverBridge,
			Bridge: BridgeConfig{
				Command:    "node",
				Args:       []string{"bridge/index.js"},
				Transcript: true,
			},
			Mock: MockConfig{
				QRDelay:    500 * time.Millisecond,
				ReadyDelay: 3 * time.Second,
				ContactID:  "15550000000",
			},
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "console",
			PersistLevel: "info",
			StreamLevel:  "info",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	c.Storage.DBPath = getEnv("DB_PATH", c.Storage.DBPath)
	c.Storage.DataDir = getEnv("DATA_DIR", c.Storage.DataDir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Client.Driver = getEnv("CLIENT_DRIVER", c.Client.Driver)
	return nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DBPath == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Session.MaxSessions < 0 {
		return errors.New("session.max_sessions must not be negative")
	}
	if c.Session.StartTimeout <= 0 {
		return errors.New("session.start_timeout must be positive")
	}
	if c.Session.StopTimeout <= 0 {
		return errors.New("session.stop_timeout must be positive")
	}
	if c.Session.PersistTimeout <= 0 {
		return errors.New("session.persist_timeout must be positive")
	}
	if c.Hub.SubscriberBuffer <= 0 {
		return errors.New("hub.subscriber_buffer must be positive")
	}
	switch c.Client.Driver {
	case DriverMock:
	case DriverBridge:
		if c.Client.Bridge.Command == "" {
			return errors.New("client.bridge.command is required for the bridge driver")
		}
	default:
		return fmt.Errorf("unknown client.driver %q", c.Client.Driver)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	for name, level := range map[string]string{
		"log.persist_level": c.Log.PersistLevel,
		"log.stream_level":  c.Log.StreamLevel,
	} {
		if level == "" {
			continue
		}
		if _, err := zerolog.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, level, err)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EnsureDirs creates the database and credential directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(filepath.Dir(c.Storage.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(c.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
