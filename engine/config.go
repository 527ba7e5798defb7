package engine

import (
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/ranolabs/rano/internal/configx"
	"github.com/ranolabs/rano/internal/telemetry/metrics"
)

// Config assembles everything a session needs: the frozen settings record,
// the taxonomy snapshot, and the optional collaborators injected at start.
type Config struct {
	Settings configx.Settings
	Taxonomy *configx.Taxonomy

	// ConfigPath is the highest-precedence config file actually applied;
	// the engine watches it and logs when it changes on disk (the effective
	// config stays frozen for the session).
	ConfigPath string

	Logger  *slog.Logger
	Metrics metrics.Provider

	// Stdout receives the text or JSON-line event stream plus the final
	// summary; Stderr receives the alert stream.
	Stdout io.Writer
	Stderr io.Writer

	// Session metadata recorded on the sessions row.
	Host string
	User string
	Args string
}

// defaults fills zero-valued collaborators so New never dereferences nil.
func (c *Config) defaults() {
	if c.Taxonomy == nil {
		c.Taxonomy = configx.DefaultTaxonomy()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopProvider()
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.Host == "" {
		c.Host, _ = os.Hostname()
	}
	if c.User == "" {
		if u, err := user.Current(); err == nil {
			c.User = u.Username
		}
	}
	if c.Args == "" {
		c.Args = strings.Join(os.Args, " ")
	}
}
