package configx

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// EnvConfigVar names the environment variable that may point at an
// additional TOML file, applied above the explicit --config-toml layer.
const EnvConfigVar = "RANO_CONFIG_TOML"

// Options are the resolver inputs that arrive from the CLI before flag
// application: the explicit config path, preset names in argument order, and
// the master file-loading switch.
type Options struct {
	ConfigTOML string
	NoConfig   bool
	Presets    []string

	// Home and Getenv are injectable for tests; zero values use the real
	// environment.
	Home   string
	Getenv func(string) string
}

// Resolver computes the effective settings record and provider taxonomy from
// layered sources. It owns discovery and merge; command-line flags are the
// final layer and are applied by the caller onto Resolved.Settings.
type Resolver struct {
	opts Options
}

// NewResolver constructs a resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Resolver{opts: opts}
}

// Resolve walks the precedence chain from compiled-in defaults up through
// presets, producing an immutable record. Collected warnings (malformed or
// unreadable sources) are returned for the caller to log; only a preset that
// is unknown or fails to read aborts.
func (r *Resolver) Resolve() (*Resolved, []string, error) {
	res := &Resolved{
		Settings: DefaultSettings(),
		Taxonomy: DefaultTaxonomy(),
	}
	var warnings []string

	home := r.opts.Home
	if home == "" {
		if h, err := homedir.Dir(); err == nil {
			home = h
		}
	}

	if !r.opts.NoConfig {
		for _, src := range r.discoverTOML(home) {
			applied, err := r.applyTOML(res, src.path)
			res.Sources = append(res.Sources, Source{Layer: src.layer, Path: src.path, Applied: applied, Err: err})
			if err != nil {
				if src.explicit || !os.IsNotExist(err) {
					warnings = append(warnings, fmt.Sprintf("config %s: %v", src.path, err))
				}
				// Missing default-search files are silently skipped.
			}
		}
	}

	for _, name := range r.opts.Presets {
		pairs, presetWarnings, err := loadPreset(home, name)
		if err != nil {
			return nil, warnings, err
		}
		warnings = append(warnings, presetWarnings...)
		for _, kv := range pairs {
			if err := ApplyKV(&res.Settings, kv[0], kv[1]); err != nil {
				warnings = append(warnings, fmt.Sprintf("preset %s: %s: %v", name, kv[0], err))
			}
		}
		res.Sources = append(res.Sources, Source{Layer: LayerPreset, Path: name, Applied: true})
	}

	return res, warnings, nil
}

type tomlSource struct {
	layer    int
	path     string
	explicit bool
}

// discoverTOML lists candidate TOML files lowest precedence first.
func (r *Resolver) discoverTOML(home string) []tomlSource {
	var out []tomlSource
	if home != "" {
		out = append(out, tomlSource{layer: LayerHome, path: filepath.Join(home, ".rano.toml")})
		xdg := r.opts.Getenv("XDG_CONFIG_HOME")
		if xdg == "" {
			xdg = filepath.Join(home, ".config")
		}
		out = append(out, tomlSource{layer: LayerXDG, path: filepath.Join(xdg, "rano", "rano.toml")})
	}
	out = append(out, tomlSource{layer: LayerCwd, path: "rano.toml"})
	if r.opts.ConfigTOML != "" {
		out = append(out, tomlSource{layer: LayerExplicit, path: r.opts.ConfigTOML, explicit: true})
	}
	if envPath := r.opts.Getenv(EnvConfigVar); envPath != "" {
		out = append(out, tomlSource{layer: LayerEnv, path: envPath, explicit: true})
	}
	return out
}

// applyTOML folds one file into the taxonomy. A parse failure skips the file
// and leaves lower layers intact.
func (r *Resolver) applyTOML(res *Resolved, path string) (bool, error) {
	pf, err := loadProvidersFile(path)
	if err != nil {
		return false, err
	}
	applyProvidersFile(res.Taxonomy, pf)
	return true, nil
}

// HighestSourcePath returns the highest-precedence config file that was
// actually applied, for the session's change watcher. Empty when none.
func (res *Resolved) HighestSourcePath() string {
	path := ""
	for _, s := range res.Sources {
		if s.Applied && s.Layer != LayerPreset {
			path = s.Path
		}
	}
	return path
}
