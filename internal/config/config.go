// Package config loads installer settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the variable that points at an alternative config file.
const EnvVar = "CLAME_CONFIG"

// DirName is the per-user directory holding defaults.
const DirName = ".clame"

// Config holds installer settings. Relative paths are taken relative to
// the config file.
type Config struct {
	DatabasePath  string `yaml:"database_path"`
	BackupDir     string `yaml:"backup_dir"`
	LogFile       string `yaml:"log_file"`
	LogLevel      string `yaml:"log_level"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// Default returns settings rooted at home/.clame.
func Default(home string) Config {
	dir := filepath.Join(home, DirName)
	return Config{
		DatabasePath:  filepath.Join(dir, "clame.db"),
		BackupDir:     filepath.Join(dir, "save"),
		LogFile:       filepath.Join(dir, "clame.log"),
		LogLevel:      "info",
		BusyTimeoutMS: 60000,
	}
}

// Path picks the config file: explicit wins, then $CLAME_CONFIG, then
// ~/.clame/config.yaml.
func Path(explicit, home string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return filepath.Join(home, DirName, "config.yaml")
}

// Load reads path over the defaults for home. A missing file yields the
// defaults unless required is set.
func Load(path, home string, required bool) (Config, error) {
	cfg := Default(home)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.DatabasePath, &cfg.BackupDir, &cfg.LogFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings that cannot fall back to a default.
func (c Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is empty"))
	}
	if c.BackupDir == "" {
		errs = append(errs, errors.New("backup_dir is empty"))
	}
	if c.BusyTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("busy_timeout_ms must not be negative, got %d", c.BusyTimeoutMS))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BusyTimeout returns the registry lock wait.
func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMS) * time.Millisecond
}

// ParseLevel maps a level name to slog. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
