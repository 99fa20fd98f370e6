package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "STATESOCKET_"

// Storage drivers.
const (
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Config holds everything the statesocket server needs to start.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Ngrok   NgrokConfig   `yaml:"ngrok"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	DataDir    string `yaml:"data_dir"`
	BackupDir  string `yaml:"backup_dir"`
	MaxBackups int    `yaml:"max_backups"`
	// BoltKey names the snapshot row for the bolt driver.
	BoltKey string `yaml:"bolt_key"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	BackupInterval    time.Duration `yaml:"backup_interval"`
	EnableVersioning  bool          `yaml:"enable_versioning"`
	BroadcastOnChange bool          `yaml:"broadcast_on_change"`
	Debug             bool          `yaml:"debug"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type NgrokConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
	Domain    string `yaml:"domain"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:     DriverFile,
			DataDir:    "data",
			BackupDir:  "data/backups",
			MaxBackups: 10,
		},
		Session: SessionConfig{
			HeartbeatInterval: 30 * time.Second,
			PingTimeout:       10 * time.Second,
			SyncInterval:      time.Minute,
			BackupInterval:    time.Hour,
			EnableVersioning:  true,
			BroadcastOnChange: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of Default. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STATESOCKET_* variables found by lookup
// (usually os.LookupEnv). Ngrok also honors the NGROK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
	flag := func(name string, dst *bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATA_DIR", &c.Storage.DataDir)
	str("BACKUP_DIR", &c.Storage.BackupDir)
	num("MAX_BACKUPS", &c.Storage.MaxBackups)
	str("BOLT_KEY", &c.Storage.BoltKey)

	dur("HEARTBEAT_INTERVAL", &c.Session.HeartbeatInterval)
	dur("PING_TIMEOUT", &c.Session.PingTimeout)
	dur("SYNC_INTERVAL", &c.Session.SyncInterval)
	dur("BACKUP_INTERVAL", &c.Session.BackupInterval)
	flag("ENABLE_VERSIONING", &c.Session.EnableVersioning)
	flag("BROADCAST_ON_CHANGE", &c.Session.BroadcastOnChange)
	flag("DEBUG", &c.Session.Debug)

	str("LOG_LEVEL", &c.Log.Level)
	flag("LOG_JSON", &c.Log.JSON)

	if v, ok := lookup("NGROK_ENABLED"); ok && (v == "true" || v == "1") {
		c.Ngrok.Enabled = true
	}
	for _, name := range []string{"NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN"} {
		if v, ok := lookup(name); ok && v != "" && c.Ngrok.AuthToken == "" {
			c.Ngrok.AuthToken = v
		}
	}
	if v, ok := lookup("NGROK_DOMAIN"); ok && v != "" {
		c.Ngrok.Domain = v
	}

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var problems []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Server.Port))
	}

	switch c.Storage.Driver {
	case DriverFile, DriverBolt:
		if c.Storage.DataDir == "" {
			problems = append(problems, "data_dir is required for "+c.Storage.Driver+" storage")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.MaxBackups < 0 {
		problems = append(problems, "max_backups must not be negative")
	}

	s := c.Session
	if s.HeartbeatInterval < 0 || s.PingTimeout < 0 || s.SyncInterval < 0 || s.BackupInterval < 0 {
		problems = append(problems, "intervals must not be negative")
	}
	if s.PingTimeout > 0 && s.HeartbeatInterval == 0 {
		problems = append(problems, "ping_timeout requires heartbeat_interval")
	}

	if c.Ngrok.Enabled && c.Ngrok.AuthToken == "" {
		problems = append(problems, "ngrok enabled without an auth token")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
