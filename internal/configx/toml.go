package configx

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// providersFile is one parsed TOML source's contribution to the taxonomy.
type providersFile struct {
	Mode ProviderMode
	// Entries preserves the file's key order so newly introduced providers
	// land in the taxonomy in a reproducible position.
	Entries []providerEntry
}

type providerEntry struct {
	Name     string
	Patterns []string
}

// loadProvidersFile reads and parses the [providers] section of a TOML file.
// Provider names are dynamic keys, so the section is decoded generically and
// validated by hand. Entries with a non-string-list value are reported.
func loadProvidersFile(path string) (*providersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseProviders(data)
}

func parseProviders(data []byte) (*providersFile, error) {
	var raw struct {
		Providers map[string]any `toml:"providers"`
	}
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	pf := &providersFile{Mode: ModeMerge}
	if raw.Providers == nil {
		return pf, nil
	}
	if m, ok := raw.Providers["mode"]; ok {
		s, ok := m.(string)
		if !ok {
			return nil, fmt.Errorf("providers.mode must be a string")
		}
		switch ProviderMode(s) {
		case ModeMerge, ModeReplace:
			pf.Mode = ProviderMode(s)
		default:
			return nil, fmt.Errorf("providers.mode %q: want %q or %q", s, ModeMerge, ModeReplace)
		}
	}
	// md.Keys() yields keys in document order; filter to providers.<name>.
	for _, key := range md.Keys() {
		parts := key
		if len(parts) != 2 || parts[0] != "providers" || parts[1] == "mode" {
			continue
		}
		name := parts[1]
		val := raw.Providers[name]
		list, err := toStringList(val)
		if err != nil {
			return nil, fmt.Errorf("providers.%s: %w", name, err)
		}
		pf.Entries = append(pf.Entries, providerEntry{Name: name, Patterns: list})
	}
	return pf, nil
}

func toStringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("expected an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// applyProvidersFile folds one parsed source into the taxonomy: replace
// discards the current taxonomy before applying, merge appends per provider.
func applyProvidersFile(t *Taxonomy, pf *providersFile) {
	if pf.Mode == ModeReplace {
		t.Reset()
		for _, e := range pf.Entries {
			t.Set(e.Name, e.Patterns)
		}
		return
	}
	for _, e := range pf.Entries {
		t.Append(e.Name, e.Patterns)
	}
}
