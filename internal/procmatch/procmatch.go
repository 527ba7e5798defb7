// Package procmatch enumerates local processes and selects the set matching
// user-supplied substring patterns, optionally expanded to descendants.
package procmatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Info describes one matched process. Comm is the short command name,
// Cmdline the full argument vector joined with spaces.
type Info struct {
	PID     int32
	Comm    string
	Cmdline string
	PPID    int32
}

// Enumerator lists all processes visible to the current user. Injectable so
// the matcher can be driven by synthetic process tables in tests.
type Enumerator func(ctx context.Context) ([]Info, error)

// Matcher computes the matching PID set fresh on every polling interval.
type Matcher struct {
	patterns           []string
	includeDescendants bool
	enumerate          Enumerator
}

// Option customizes a Matcher.
type Option func(*Matcher)

// WithEnumerator replaces the process source (tests).
func WithEnumerator(e Enumerator) Option {
	return func(m *Matcher) { m.enumerate = e }
}

// New builds a matcher for the given substring patterns. Patterns are
// matched case-insensitively against the command name and full command line.
func New(patterns []string, includeDescendants bool, opts ...Option) *Matcher {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	m := &Matcher{patterns: lowered, includeDescendants: includeDescendants, enumerate: enumerateGopsutil}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Snapshot returns the current matching set as pid -> Info. When descendant
// expansion is on, the set is the transitive closure under the parent->child
// relation, recomputed from scratch so newly spawned children are caught.
func (m *Matcher) Snapshot(ctx context.Context) (map[int32]Info, error) {
	procs, err := m.enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	return m.selectFrom(procs), nil
}

func (m *Matcher) selectFrom(procs []Info) map[int32]Info {
	matched := make(map[int32]Info)
	for _, p := range procs {
		if m.matches(p) {
			matched[p.PID] = p
		}
	}
	if !m.includeDescendants || len(matched) == 0 {
		return matched
	}

	children := make(map[int32][]Info, len(procs))
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p)
	}
	queue := make([]int32, 0, len(matched))
	for pid := range matched {
		queue = append(queue, pid)
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if _, ok := matched[child.PID]; ok {
				continue
			}
			matched[child.PID] = child
			queue = append(queue, child.PID)
		}
	}
	return matched
}

func (m *Matcher) matches(p Info) bool {
	comm := strings.ToLower(p.Comm)
	cmdline := strings.ToLower(p.Cmdline)
	for _, pat := range m.patterns {
		if strings.Contains(comm, pat) || strings.Contains(cmdline, pat) {
			return true
		}
	}
	return false
}

// enumerateGopsutil reads the live process table. Per-process permission
// errors are ignored; a process that vanished mid-read is simply dropped.
func enumerateGopsutil(ctx context.Context) ([]Info, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		comm, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)
		out = append(out, Info{PID: p.Pid, Comm: comm, Cmdline: cmdline, PPID: ppid})
	}
	return out, nil
}
