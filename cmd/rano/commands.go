package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/ranolabs/rano/internal/configx"
	"github.com/ranolabs/rano/internal/report"
	"github.com/ranolabs/rano/internal/store"
)

// openStore resolves the database path shared by the reader commands.
func openStore(dbPath string) (*store.Store, error) {
	if dbPath == "" {
		dbPath = store.DefaultPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no event store at %s (run rano first, or pass --db-path)", dbPath)
	}
	return store.Open(dbPath)
}

func newStatusCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the most recent session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return report.Status(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "event store path")
	return cmd
}

func newReportCmd() *cobra.Command {
	var dbPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List recorded sessions with their aggregate counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return report.Report(cmd.OutOrStdout(), st, limit)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "event store path")
	cmd.Flags().IntVar(&limit, "limit", 20, "sessions to list")
	return cmd
}

func newDiffCmd() *cobra.Command {
	var dbPath string
	var threshold int
	cmd := &cobra.Command{
		Use:   "diff <old-session> <new-session>",
		Short: "Compare provider counts and domain sets between two sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return report.Diff(cmd.OutOrStdout(), st, args[0], args[1], threshold)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "event store path")
	cmd.Flags().IntVar(&threshold, "threshold", 20, "percent change below which count deltas are ignored")
	return cmd
}

func newExportCmd() *cobra.Command {
	var dbPath, format string
	cmd := &cobra.Command{
		Use:   "export <session>",
		Short: "Dump a session's events as JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return report.Export(cmd.OutOrStdout(), st, args[0], format)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "event store path")
	cmd.Flags().StringVar(&format, "format", "jsonl", "jsonl or csv")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var configTOML string
	var noConfig bool
	var presets []string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective merged settings and provider taxonomy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, warnings, err := configx.NewResolver(configx.Options{
				ConfigTOML: configTOML,
				NoConfig:   noConfig,
				Presets:    presets,
			}).Resolve()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			fmt.Fprintln(out, "sources:")
			for _, src := range res.Sources {
				status := "applied"
				if !src.Applied {
					status = "skipped"
				}
				fmt.Fprintf(out, "  %-8s %-8s %s\n", configx.LayerName(src.Layer), status, src.Path)
			}
			s := res.Settings
			fmt.Fprintf(out, "interval-ms = %d\nstats-interval-ms = %d\ndomain-mode = %q\n",
				s.IntervalMS, s.StatsIntervalMS, s.DomainMode)
			fmt.Fprintf(out, "descendants = %v\nudp = %v\nlistening = %v\nsqlite = %v\n",
				s.IncludeDescendants, s.IncludeUDP, s.IncludeListening, s.StoreEnabled)
			fmt.Fprintln(out, "[providers]")
			for _, p := range res.Taxonomy.Providers() {
				quoted := make([]string, 0, len(res.Taxonomy.Patterns(p)))
				for _, pat := range res.Taxonomy.Patterns(p) {
					quoted = append(quoted, fmt.Sprintf("%q", pat))
				}
				fmt.Fprintf(out, "%s = [%s]\n", p, strings.Join(quoted, ", "))
			}
			if home, err := homedir.Dir(); err == nil {
				if known := configx.ListPresets(home); len(known) > 0 {
					sort.Strings(known)
					fmt.Fprintf(out, "presets: %s\n", strings.Join(known, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configTOML, "config-toml", "", "explicit TOML config path")
	cmd.Flags().BoolVar(&noConfig, "no-config", false, "disable all config file loading")
	cmd.Flags().StringArrayVar(&presets, "preset", nil, "named preset to apply (repeatable)")
	return cmd
}
