package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ranolabs/rano/engine"
	"github.com/ranolabs/rano/internal/configx"
	"github.com/ranolabs/rano/internal/store"
	"github.com/ranolabs/rano/internal/telemetry/logging"
	"github.com/ranolabs/rano/internal/telemetry/metrics"
)

// watchFlags carries the full §6 flag surface plus the supplements; flags
// are the highest configuration layer and apply after presets.
type watchFlags struct {
	patterns      []string
	noDescendants bool
	udp           bool
	listening     bool
	once          bool
	jsonOut       bool
	noDNS         bool
	dnsTimeoutMS  int
	noSQLite      bool
	dbPath        string
	noBanner      bool
	intervalMS    int
	statsMS       int
	configTOML    string
	noConfig      bool
	presets       []string
	capture       bool
	captureDevice string
	metricsAddr   string
	sessionName   string
	verbose       bool

	alertDomains   []string
	alertMaxConns  int
	alertMaxPerPvd int
	alertDurMS     int
	alertUnknown   bool
	alertBell      bool
	alertCooldown  int
	noAlerts       bool
}

func newRootCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:           "rano",
		Short:         "Observe network flows of matching processes and attribute them to providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Arbitrary args reach RunE so stray words become a usage error.
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{fmt.Errorf("unexpected arguments: %s", strings.Join(args, " "))}
			}
			return runWatch(cmd, &f)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	fl := cmd.Flags()
	fl.StringArrayVar(&f.patterns, "pattern", nil, "process name/cmdline substring to watch (repeatable)")
	fl.BoolVar(&f.noDescendants, "no-descendants", false, "do not expand matches to child processes")
	fl.BoolVar(&f.udp, "udp", false, "include UDP flows")
	fl.BoolVar(&f.listening, "listening", false, "include listening sockets")
	fl.BoolVar(&f.once, "once", false, "run a single polling cycle and exit")
	fl.BoolVar(&f.jsonOut, "json", false, "emit events as JSON lines instead of text")
	fl.BoolVar(&f.noDNS, "no-dns", false, "disable reverse DNS resolution")
	fl.IntVar(&f.dnsTimeoutMS, "dns-timeout-ms", 0, "per-query DNS timeout")
	fl.BoolVar(&f.noSQLite, "no-sqlite", false, "disable the event store")
	fl.StringVar(&f.dbPath, "db-path", "", "event store path (default ~/.local/share/rano/rano.db)")
	fl.BoolVar(&f.noBanner, "no-banner", false, "suppress the startup banner")
	fl.IntVar(&f.intervalMS, "interval-ms", 0, "polling interval")
	fl.IntVar(&f.statsMS, "stats-interval-ms", 0, "stats event interval")
	fl.StringVar(&f.configTOML, "config-toml", "", "explicit TOML config path")
	fl.BoolVar(&f.noConfig, "no-config", false, "disable all config file loading")
	fl.StringArrayVar(&f.presets, "preset", nil, "named preset to apply (repeatable, in order)")
	fl.BoolVar(&f.capture, "capture", false, "enable the passive packet tap")
	fl.StringVar(&f.captureDevice, "capture-device", "any", "capture device for the packet tap")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fl.StringVar(&f.sessionName, "session-name", "", "name recorded on the session row")
	fl.BoolVar(&f.verbose, "verbose", false, "debug logging")

	fl.StringArrayVar(&f.alertDomains, "alert-domain", nil, "alert when a flow's domain matches this glob (repeatable)")
	fl.IntVar(&f.alertMaxConns, "alert-max-connections", 0, "alert when active flows reach this count")
	fl.IntVar(&f.alertMaxPerPvd, "alert-max-per-provider", 0, "alert when one provider's active flows reach this count")
	fl.IntVar(&f.alertDurMS, "alert-duration-ms", 0, "alert when a flow stays open this long")
	fl.BoolVar(&f.alertUnknown, "alert-unknown-domain", false, "alert on close when the remote never resolved")
	fl.BoolVar(&f.alertBell, "alert-bell", false, "ring the terminal bell on alert")
	fl.IntVar(&f.alertCooldown, "alert-cooldown-ms", 0, "per-alert-key cooldown")
	fl.BoolVar(&f.noAlerts, "no-alerts", false, "disable alert evaluation")

	cmd.AddCommand(newStatusCmd(), newReportCmd(), newDiffCmd(), newExportCmd(), newConfigCmd())
	// Argument-count errors are usage errors too (exit code 2).
	for _, sub := range cmd.Commands() {
		if validate := sub.Args; validate != nil {
			sub.Args = func(c *cobra.Command, args []string) error {
				if err := validate(c, args); err != nil {
					return &usageError{err}
				}
				return nil
			}
		}
	}
	return cmd
}

// resolveSettings runs the config resolver and applies the flag layer.
func resolveSettings(fl *pflag.FlagSet, f *watchFlags, logger *slog.Logger) (*configx.Resolved, error) {
	res, warnings, err := configx.NewResolver(configx.Options{
		ConfigTOML: f.configTOML,
		NoConfig:   f.noConfig,
		Presets:    f.presets,
	}).Resolve()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	s := &res.Settings
	s.Patterns = append(s.Patterns, f.patterns...)
	if fl.Changed("no-descendants") {
		s.IncludeDescendants = !f.noDescendants
	}
	if fl.Changed("udp") {
		s.IncludeUDP = f.udp
	}
	if fl.Changed("listening") {
		s.IncludeListening = f.listening
	}
	if fl.Changed("once") {
		s.Once = f.once
	}
	if fl.Changed("json") {
		s.JSONOutput = f.jsonOut
	}
	if f.noDNS {
		s.DomainMode = configx.DomainModeOff
	}
	if fl.Changed("dns-timeout-ms") {
		s.DNSTimeoutMS = f.dnsTimeoutMS
	}
	if fl.Changed("no-sqlite") {
		s.StoreEnabled = !f.noSQLite
	}
	if fl.Changed("db-path") {
		s.StorePath = f.dbPath
	}
	if fl.Changed("no-banner") {
		s.Banner = !f.noBanner
	}
	if fl.Changed("interval-ms") {
		s.IntervalMS = f.intervalMS
	}
	if fl.Changed("stats-interval-ms") {
		s.StatsIntervalMS = f.statsMS
	}
	if fl.Changed("capture") {
		s.CaptureEnabled = f.capture
	}
	if fl.Changed("capture-device") {
		s.CaptureDevice = f.captureDevice
	}
	if fl.Changed("metrics-addr") {
		s.MetricsAddr = f.metricsAddr
	}
	if fl.Changed("session-name") {
		s.SessionName = f.sessionName
	}
	s.Alerts.DomainGlobs = append(s.Alerts.DomainGlobs, f.alertDomains...)
	if fl.Changed("alert-max-connections") {
		s.Alerts.MaxConnections = f.alertMaxConns
	}
	if fl.Changed("alert-max-per-provider") {
		s.Alerts.MaxPerProvider = f.alertMaxPerPvd
	}
	if fl.Changed("alert-duration-ms") {
		s.Alerts.DurationMS = f.alertDurMS
	}
	if fl.Changed("alert-unknown-domain") {
		s.Alerts.UnknownDomain = f.alertUnknown
	}
	if fl.Changed("alert-bell") {
		s.Alerts.Bell = f.alertBell
	}
	if fl.Changed("alert-cooldown-ms") {
		s.Alerts.CooldownMS = f.alertCooldown
	}
	if fl.Changed("no-alerts") {
		s.Alerts.Disabled = f.noAlerts
	}
	if s.StorePath == "" {
		s.StorePath = store.DefaultPath()
	}
	return res, nil
}

func runWatch(cmd *cobra.Command, f *watchFlags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, logging.Options{JSON: f.jsonOut, Level: level})

	res, err := resolveSettings(cmd.Flags(), f, logger)
	if err != nil {
		return err
	}
	if len(res.Settings.Patterns) == 0 {
		return &usageError{fmt.Errorf("at least one --pattern (or a preset providing one) is required")}
	}

	var provider metrics.Provider = metrics.NewNoopProvider()
	if res.Settings.MetricsAddr != "" {
		prom := metrics.NewPrometheusProvider()
		provider = prom
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", prom.MetricsHandler())
			logger.Info("metrics listening", "addr", res.Settings.MetricsAddr)
			if err := http.ListenAndServe(res.Settings.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	eng, err := engine.New(engine.Config{
		Settings:   res.Settings,
		Taxonomy:   res.Taxonomy,
		ConfigPath: res.HighestSourcePath(),
		Logger:     logger,
		Metrics:    provider,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Args:       strings.Join(os.Args[1:], " "),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return eng.Run(ctx)
}
