/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for wvid.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"mime"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for wvid.
type Config struct {
	Listen     string     `yaml:"listen"`
	LogDir     string     `yaml:"log_dir"`
	Verbose    bool       `yaml:"verbose"`
	DataDir    string     `yaml:"data_dir"`
	Root       string     `yaml:"root"`
	Upstream   string     `yaml:"upstream"`
	Bridge     Bridge     `yaml:"bridge"`
	Inject     Inject     `yaml:"inject"`
	Timeouts   Timeouts   `yaml:"timeouts"`
	Management Management `yaml:"management"`
	Stats      Stats      `yaml:"stats"`
}

// Bridge describes the script fragments to inject.
type Bridge struct {
	Core      string         `yaml:"core"`
	PluginDir string         `yaml:"plugin_dir"`
	Plugins   []PluginScript `yaml:"plugins"`
}

// PluginScript is a single plugin script entry.
type PluginScript struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the plugin is enabled. Plugins are enabled
// unless explicitly disabled.
func (p PluginScript) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Inject holds response selection settings for injection.
type Inject struct {
	ContentTypes []string `yaml:"content_types"`
}

// Timeouts holds server timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	Upstream   Duration `yaml:"upstream"`
	ReadHeader Duration `yaml:"read_header"`
}

// Management holds management endpoint configuration.
type Management struct {
	PathPrefix string `yaml:"path_prefix"`
	// LogBuffer is the number of recent log entries kept for the log feed
	// endpoints. Zero disables the feed.
	LogBuffer int `yaml:"log_buffer"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:  ":18740",
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		Root:    "www",
		Inject: Inject{
			ContentTypes: []string{"text/html"},
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			Upstream:   Duration{30 * time.Second},
			ReadHeader: Duration{10 * time.Second},
		},
		Management: Management{
			PathPrefix: "/wvi",
			LogBuffer:  1000,
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for wvid.yml or wvid.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"wvid.yml", "wvid.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr      *string
	LogDir    *string
	Verbose   *bool
	DataDir   *string
	Root      *string
	Upstream  *string
	Core      *string
	PluginDir *string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.Root != nil {
		c.Root = *o.Root
	}
	if o.Upstream != nil {
		c.Upstream = *o.Upstream
	}
	if o.Core != nil {
		c.Bridge.Core = *o.Core
	}
	if o.PluginDir != nil {
		c.Bridge.PluginDir = *o.PluginDir
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	// Listen address.
	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	if c.Upstream != "" {
		errs = append(errs, validateUpstream(c.Upstream)...)
	} else if c.Root == "" {
		errs = append(errs, "root: required when upstream is not set")
	}

	errs = append(errs, validatePlugins(c.Bridge.Plugins)...)
	errs = append(errs, validateContentTypes(c.Inject.ContentTypes)...)

	// Durations must be positive.
	for _, d := range []struct {
		key string
		val Duration
	}{
		{"timeouts.shutdown", c.Timeouts.Shutdown},
		{"timeouts.upstream", c.Timeouts.Upstream},
		{"timeouts.read_header", c.Timeouts.ReadHeader},
	} {
		if !d.val.Positive() {
			errs = append(errs, fmt.Sprintf("%s: must be positive, got %s", d.key, d.val))
		}
	}

	// Stats flush interval must be positive when enabled.
	if c.Stats.Enabled && !c.Stats.FlushInterval.Positive() {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	// Management path prefix.
	if !strings.HasPrefix(c.Management.PathPrefix, "/") {
		errs = append(errs, fmt.Sprintf("management.path_prefix: must start with /, got %q", c.Management.PathPrefix))
	}
	if c.Management.LogBuffer < 0 {
		errs = append(errs, fmt.Sprintf("management.log_buffer: must not be negative, got %d", c.Management.LogBuffer))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validateUpstream checks that the upstream is an absolute HTTP(S) URL.
func validateUpstream(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return []string{fmt.Sprintf("upstream: invalid URL %q: %v", raw, err)}
	}
	var errs []string
	if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Sprintf("upstream: scheme must be http or https, got %q", u.Scheme))
	}
	if u.Host == "" {
		errs = append(errs, fmt.Sprintf("upstream: missing host in %q", raw))
	}
	return errs
}

// validatePlugins checks that plugin entries are named, have a path, and
// that names are unique.
func validatePlugins(plugins []PluginScript) []string {
	var errs []string
	seen := make(map[string]struct{}, len(plugins))
	for i, p := range plugins {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("bridge.plugins[%d]: name is required", i))
		} else if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("bridge.plugins[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = struct{}{}
		if p.Path == "" {
			errs = append(errs, fmt.Sprintf("bridge.plugins[%d]: path is required", i))
		}
	}
	return errs
}

// validateContentTypes checks that each entry is a bare media type.
func validateContentTypes(types []string) []string {
	var errs []string
	if len(types) == 0 {
		errs = append(errs, "inject.content_types: at least one media type is required")
	}
	for i, ct := range types {
		mt, params, err := mime.ParseMediaType(ct)
		typ, sub, _ := strings.Cut(mt, "/")
		if err != nil || len(params) > 0 || mt != ct || typ == "" || sub == "" || strings.Contains(sub, "/") {
			errs = append(errs, fmt.Sprintf("inject.content_types[%d]: invalid media type %q", i, ct))
		}
	}
	return errs
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
