// Package config loads the plugin host configuration from YAML or TOML.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/domain/strategy"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// Defaults applied by Default and Load.
const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultMetricsAddr = ":9464"
)

// HostConfig is the plugin host configuration.
type HostConfig struct {
	// Roots are plugin directories or directories of archives.
	Roots []string `yaml:"roots" toml:"roots"`
	// Strategy selects the loader strategy: development or packaged.
	Strategy string `yaml:"strategy" toml:"strategy"`
	// HostVersion is checked against each plugin's plugin.requires.
	HostVersion string `yaml:"hostVersion" toml:"hostVersion"`
	// Provided maps pseudo-plugin ids to versions that satisfy constraints
	// without being loaded.
	Provided map[string]string `yaml:"provided" toml:"provided"`
	// Disabled plugin ids are dropped before resolution.
	Disabled []string `yaml:"disabled" toml:"disabled"`
	// Workers bounds concurrent materialization. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" toml:"workers"`
	// Strict makes fatal resolution failures an error exit.
	Strict  bool          `yaml:"strict" toml:"strict"`
	Watch   WatchConfig   `yaml:"watch" toml:"watch"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// WatchConfig controls rescanning on filesystem changes.
type WatchConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Debounce string `yaml:"debounce" toml:"debounce"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *HostConfig {
	return &HostConfig{
		Strategy: string(strategy.KindPackaged),
		Provided: map[string]string{},
		Watch:    WatchConfig{Debounce: DefaultDebounce.String()},
		Log:      LogConfig{Level: "info", Format: logging.FormatConsole},
		Metrics:  MetricsConfig{Addr: DefaultMetricsAddr},
	}
}

// Load reads a config file, chosen by extension, on top of Default. Relative
// roots are resolved against the file's directory.
func Load(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigNotFoundError(path)
		}
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, NewUnsupportedTypeError(path)
	}
	if err != nil {
		return nil, NewConfigParseError(path, err)
	}

	base := filepath.Dir(path)
	for i, root := range cfg.Roots {
		if !filepath.IsAbs(root) {
			cfg.Roots[i] = filepath.Join(base, root)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, NewConfigInvalidError(path, err)
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *HostConfig) Validate() error {
	var errs ErrorList

	if _, err := strategy.ParseKind(c.Strategy); err != nil {
		errs.AddValidation("strategy", err.Error(), "Use development or packaged.")
	}
	if c.HostVersion != "" {
		if _, err := manifest.ParseVersion(c.HostVersion); err != nil {
			errs.AddValidation("hostVersion", err.Error(), "Use a semantic version such as 1.4.0.")
		}
	}
	for _, id := range slices.Sorted(maps.Keys(c.Provided)) {
		if _, err := manifest.ParseVersion(c.Provided[id]); err != nil {
			errs.AddValidation(fmt.Sprintf("provided.%s", id), err.Error(), "Use a semantic version such as 1.0.0.")
		}
	}
	if c.Workers < 0 {
		errs.AddValidation("workers", "must not be negative", "Use 0 for one worker per CPU.")
	}
	if c.Watch.Debounce != "" {
		if d, err := time.ParseDuration(c.Watch.Debounce); err != nil || d < 0 {
			errs.AddValidation("watch.debounce", fmt.Sprintf("invalid duration %q", c.Watch.Debounce), "Use a Go duration such as 500ms.")
		}
	}
	if !logging.ValidLevel(c.Log.Level) {
		errs.AddValidation("log.level", fmt.Sprintf("unknown level %q", c.Log.Level), "Use trace, debug, info, warn, error or silent.")
	}
	switch c.Log.Format {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		errs.AddValidation("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), "Use console or json.")
	}

	return errs.AsError()
}

// Kind returns the parsed loader strategy.
func (c *HostConfig) Kind() strategy.Kind {
	kind, err := strategy.ParseKind(c.Strategy)
	if err != nil {
		return strategy.KindPackaged
	}
	return kind
}

// ParsedHostVersion returns the host version, or false when unset.
func (c *HostConfig) ParsedHostVersion() (manifest.Version, bool) {
	if c.HostVersion == "" {
		return manifest.Version{}, false
	}
	v, err := manifest.ParseVersion(c.HostVersion)
	if err != nil {
		return manifest.Version{}, false
	}
	return v, true
}

// ProvidedVersions parses Provided. Invalid entries are skipped; Validate
// reports them.
func (c *HostConfig) ProvidedVersions() map[string]manifest.Version {
	out := make(map[string]manifest.Version, len(c.Provided))
	for id, raw := range c.Provided {
		if v, err := manifest.ParseVersion(raw); err == nil {
			out[id] = v
		}
	}
	return out
}

// DebounceDuration returns the watch debounce, falling back to the default.
func (c *HostConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		return DefaultDebounce
	}
	return d
}
