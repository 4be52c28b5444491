// Package config loads drawsync settings.
//
// Settings come from, in increasing priority: built-in defaults, a
// drawsync.toml file, and DRAWSYNC_* environment variables (for example
// DRAWSYNC_LIVE_PORT=9000). The file is looked up in the vault's .drawsync
// directory and then in $HOME/.config/drawsync.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the base name of the config file.
const FileName = "drawsync.toml"

// Config keys.
const (
	KeyVault          = "vault"
	KeyDebounce       = "debounce"
	KeySidecarPath    = "sidecar.path"
	KeyLivePort       = "live.port"
	KeyLiveHost       = "live.host"
	KeyLogFile        = "log.file"
	KeyLogMaxSizeMB   = "log.max_size_mb"
	KeyConflictPolicy = "conflict.policy"
)

// Conflict policies.
const (
	PolicyAsk     = "ask"
	PolicyFile    = "file"
	PolicySidecar = "sidecar"
)

// Settings is the resolved configuration.
type Settings struct {
	Vault    string        `toml:"vault"`
	Debounce time.Duration `toml:"-"`
	Sidecar  Sidecar       `toml:"sidecar"`
	Live     Live          `toml:"live"`
	Log      Log           `toml:"log"`
	Conflict Conflict      `toml:"conflict"`
}

// Sidecar settings.
type Sidecar struct {
	Path string `toml:"path"`
}

// Live server settings.
type Live struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Log settings. An empty File logs to stderr.
type Log struct {
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
}

// Conflict settings.
type Conflict struct {
	Policy string `toml:"policy"`
}

// Defaults returns the built-in settings for a vault directory.
func Defaults(vault string) Settings {
	return Settings{
		Vault:    vault,
		Debounce: 200 * time.Millisecond,
		Sidecar:  Sidecar{Path: filepath.Join(vault, ".drawsync", "sidecar.db")},
		Live:     Live{Host: "127.0.0.1", Port: 8787},
		Log:      Log{MaxSizeMB: 10},
		Conflict: Conflict{Policy: PolicyAsk},
	}
}

// New returns a viper instance with defaults, search paths and environment
// bindings for the vault directory. Flags may be bound to it before Load.
func New(vault string) *viper.Viper {
	d := Defaults(vault)
	v := viper.New()
	v.SetDefault(KeyVault, d.Vault)
	v.SetDefault(KeyDebounce, d.Debounce.String())
	v.SetDefault(KeySidecarPath, "")
	v.SetDefault(KeyLiveHost, d.Live.Host)
	v.SetDefault(KeyLivePort, d.Live.Port)
	v.SetDefault(KeyLogFile, d.Log.File)
	v.SetDefault(KeyLogMaxSizeMB, d.Log.MaxSizeMB)
	v.SetDefault(KeyConflictPolicy, d.Conflict.Policy)

	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("toml")
	v.AddConfigPath(filepath.Join(vault, ".drawsync"))
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "drawsync"))
	}

	v.SetEnvPrefix("DRAWSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and resolves the settings.
func Load(v *viper.Viper) (Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	s := Settings{
		Vault:    v.GetString(KeyVault),
		Debounce: v.GetDuration(KeyDebounce),
		Sidecar:  Sidecar{Path: v.GetString(KeySidecarPath)},
		Live:     Live{Host: v.GetString(KeyLiveHost), Port: v.GetInt(KeyLivePort)},
		Log:      Log{File: v.GetString(KeyLogFile), MaxSizeMB: v.GetInt(KeyLogMaxSizeMB)},
		Conflict: Conflict{Policy: v.GetString(KeyConflictPolicy)},
	}
	if s.Sidecar.Path == "" {
		s.Sidecar.Path = Defaults(s.Vault).Sidecar.Path
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for values no component accepts.
func (s Settings) Validate() error {
	if s.Vault == "" {
		return fmt.Errorf("vault is required")
	}
	if s.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", s.Debounce)
	}
	if s.Live.Port < 0 || s.Live.Port > 65535 {
		return fmt.Errorf("invalid live.port %d", s.Live.Port)
	}
	if s.Log.MaxSizeMB < 0 {
		return fmt.Errorf("invalid log.max_size_mb %d", s.Log.MaxSizeMB)
	}
	switch s.Conflict.Policy {
	case PolicyAsk, PolicyFile, PolicySidecar:
	default:
		return fmt.Errorf("invalid conflict.policy %q (want ask, file or sidecar)", s.Conflict.Policy)
	}
	return nil
}

// fileSettings is what config init writes. The vault is implied by where
// the file lives.
type fileSettings struct {
	Debounce string   `toml:"debounce"`
	Sidecar  Sidecar  `toml:"sidecar"`
	Live     Live     `toml:"live"`
	Log      Log      `toml:"log"`
	Conflict Conflict `toml:"conflict"`
}

// Encode renders settings as TOML.
func Encode(s Settings) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# drawsync configuration\n\n")
	err := toml.NewEncoder(&buf).Encode(fileSettings{
		Debounce: s.Debounce.String(),
		Sidecar:  s.Sidecar,
		Live:     s.Live,
		Log:      s.Log,
		Conflict: s.Conflict,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default config file into the vault's .drawsync
// directory and returns its path. An existing file is left alone unless
// force is set.
func WriteDefault(vault string, force bool) (string, error) {
	dir := filepath.Join(vault, ".drawsync")
	path := filepath.Join(dir, FileName)

	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	d := Defaults(vault)
	// Keep the sidecar relative to the vault in the written file.
	d.Sidecar.Path = ""
	data, err := Encode(d)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
