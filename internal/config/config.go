// Package config loads ~/.bazaar/config.toml and applies .env and
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvRemoteURL   = "BAZAAR_REMOTE_URL"
	EnvRemoteToken = "BAZAAR_REMOTE_TOKEN"
	EnvUserID      = "BAZAAR_USER_ID"
	EnvUserName    = "BAZAAR_USER_NAME"
)

// Defaults.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultProbeInterval = 30 * time.Second
	DefaultRemoteTimeout = 15 * time.Second
	DefaultRemoteWorkers = 3
)

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.bazaar/config.toml.
type Config struct {
	DefaultSession string       `toml:"default_session"`
	User           UserConfig   `toml:"user"`
	Remote         RemoteConfig `toml:"remote"`
	Sync           SyncConfig   `toml:"sync"`
}

// UserConfig identifies the signed-in user.
type UserConfig struct {
	ID   int64  `toml:"id"`
	Name string `toml:"name"`
}

// RemoteConfig points at the remote document store.
type RemoteConfig struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// SyncConfig tunes background work.
type SyncConfig struct {
	PollInterval  Duration `toml:"poll_interval"`
	RemoteWorkers int      `toml:"remote_workers"`
	ProbeInterval Duration `toml:"probe_interval"`
}

// Load reads config from the given path. Returns error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAll reads the config file if present, then the .env file at envPath if
// present, then the process environment. Later sources win. Defaults fill
// whatever is still unset.
func LoadAll(path, envPath string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dotenv := map[string]string{}
	if envPath != "" {
		dotenv, err = godotenv.Read(envPath)
		if errors.Is(err, fs.ErrNotExist) {
			dotenv, err = map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRemoteURL); ok && v != "" {
		c.Remote.BaseURL = v
	}
	if v, ok := lookup(EnvRemoteToken); ok && v != "" {
		c.Remote.Token = v
	}
	if v, ok := lookup(EnvUserName); ok && v != "" {
		c.User.Name = v
	}
	if v, ok := lookup(EnvUserID); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUserID, err)
		}
		c.User.ID = id
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Remote.Timeout.Duration <= 0 {
		c.Remote.Timeout.Duration = DefaultRemoteTimeout
	}
	if c.Sync.PollInterval.Duration <= 0 {
		c.Sync.PollInterval.Duration = DefaultPollInterval
	}
	if c.Sync.ProbeInterval.Duration <= 0 {
		c.Sync.ProbeInterval.Duration = DefaultProbeInterval
	}
	if c.Sync.RemoteWorkers <= 0 {
		c.Sync.RemoteWorkers = DefaultRemoteWorkers
	}
}

// Validate checks what the daemon needs to run. The remote URL may be empty
// when the daemon runs its own emulator.
func (c *Config) Validate(needRemote bool) error {
	if c.User.ID <= 0 {
		return fmt.Errorf("user.id must be set (or %s)", EnvUserID)
	}
	if needRemote && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url must be set (or %s)", EnvRemoteURL)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
