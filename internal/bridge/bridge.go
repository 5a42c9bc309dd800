/*
Package bridge loads the script fragments that wvid injects into HTML pages.

The core fragment is the native bridge runtime, read from a single file.
The plugin fragment is the concatenation of every enabled plugin script,
first from the explicit plugin list (in configured order) and then from
the *.js files of an optional plugin directory (sorted by file name).
Fragment text is opaque: it is neither parsed nor escaped.
*/
package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ushineko/webview-injector/internal/inject"
)

// Plugin is one plugin script to include in the plugin fragment.
type Plugin struct {
	Name    string
	Path    string
	Enabled bool
}

// Config describes where the fragments come from.
type Config struct {
	// CorePath is the bridge runtime script. Empty means an empty core fragment.
	CorePath string
	// Plugins are included in order when enabled.
	Plugins []Plugin
	// PluginDir, if set, contributes every *.js file it contains.
	PluginDir string
}

// Fragments holds the loaded core and plugin script text.
type Fragments struct {
	Core   string
	Plugin string
	// Plugins lists the names of the plugins included in Plugin, in order.
	Plugins []string
}

// Injector returns an injector bound to these fragments.
func (f *Fragments) Injector() *inject.Injector {
	return inject.New(f.Core, f.Plugin)
}

// PreambleLen returns the byte length of the preamble these fragments produce.
func (f *Fragments) PreambleLen() int {
	return len(f.Injector().Preamble())
}

// Load reads the core script and all plugin scripts described by cfg.
func Load(cfg Config, logger *slog.Logger) (*Fragments, error) {
	if logger == nil {
		logger = slog.Default()
	}

	frag := &Fragments{}

	if cfg.CorePath != "" {
		data, err := os.ReadFile(cfg.CorePath)
		if err != nil {
			return nil, fmt.Errorf("read core script %s: %w", cfg.CorePath, err)
		}
		frag.Core = string(data)
	}

	var blocks []string
	seen := make(map[string]struct{})

	for _, p := range cfg.Plugins {
		if !p.Enabled {
			logger.Debug("plugin script disabled", "name", p.Name)
			continue
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("plugin %q: listed more than once", p.Name)
		}
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return nil, fmt.Errorf("read plugin script %q (%s): %w", p.Name, p.Path, err)
		}
		seen[p.Name] = struct{}{}
		blocks = append(blocks, pluginBlock(p.Name, data))
		frag.Plugins = append(frag.Plugins, p.Name)
	}

	if cfg.PluginDir != "" {
		dirPlugins, err := scanDir(cfg.PluginDir)
		if err != nil {
			return nil, err
		}
		for _, p := range dirPlugins {
			if _, dup := seen[p.Name]; dup {
				logger.Warn("plugin directory entry shadowed by configured plugin",
					"name", p.Name,
					"path", p.Path,
				)
				continue
			}
			data, err := os.ReadFile(p.Path)
			if err != nil {
				return nil, fmt.Errorf("read plugin script %q (%s): %w", p.Name, p.Path, err)
			}
			seen[p.Name] = struct{}{}
			blocks = append(blocks, pluginBlock(p.Name, data))
			frag.Plugins = append(frag.Plugins, p.Name)
		}
	}

	frag.Plugin = strings.Join(blocks, "\n")

	logger.Debug("bridge fragments loaded",
		"core_bytes", len(frag.Core),
		"plugin_bytes", len(frag.Plugin),
		"plugins", frag.Plugins,
	)

	return frag, nil
}

// pluginBlock prefixes a plugin script with a line comment naming it.
func pluginBlock(name string, script []byte) string {
	return "// plugin: " + name + "\n" + string(script)
}

// scanDir returns the *.js files in dir as plugins named after the file,
// sorted by name.
func scanDir(dir string) ([]Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}

	var out []Plugin
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".js" {
			continue
		}
		out = append(out, Plugin{
			Name:    strings.TrimSuffix(e.Name(), ".js"),
			Path:    filepath.Join(dir, e.Name()),
			Enabled: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
