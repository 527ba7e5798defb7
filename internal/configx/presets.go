package configx

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnknownPreset is returned when a requested preset has no file on disk.
// The wrapping error lists the known presets; resolution aborts.
var ErrUnknownPreset = errors.New("unknown preset")

// presetDir returns the preset search directory under the user config root.
func presetDir(home string) string {
	return filepath.Join(home, ".config", "rano", "presets")
}

// ListPresets returns the names of preset files found for the current user,
// sorted. Missing directory yields an empty list.
func ListPresets(home string) []string {
	entries, err := os.ReadDir(presetDir(home))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".conf") {
			names = append(names, strings.TrimSuffix(name, ".conf"))
		}
	}
	sort.Strings(names)
	return names
}

// loadPreset parses a preset file into key/value pairs. Lines are
// `key=value`, `#` starts a comment, blank lines are skipped. Invalid lines
// are collected as warnings, not errors.
func loadPreset(home, name string) (pairs [][2]string, warnings []string, err error) {
	path := filepath.Join(presetDir(home), name+".conf")
	f, err := os.Open(path)
	if err != nil {
		known := ListPresets(home)
		if len(known) == 0 {
			return nil, nil, fmt.Errorf("%w %q (no presets found in %s)", ErrUnknownPreset, name, presetDir(home))
		}
		return nil, nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownPreset, name, strings.Join(known, ", "))
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s:%d: not key=value, skipped", path, lineNo))
			continue
		}
		pairs = append(pairs, [2]string{strings.TrimSpace(key), strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("read preset %s: %w", path, err)
	}
	return pairs, warnings, nil
}
