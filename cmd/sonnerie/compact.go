package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/njaard/sonnerie"
	"github.com/njaard/sonnerie/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func newCompactCommand() *cobra.Command {
	var major bool
	var filter []string
	var reportMetrics bool

	cmd := &cobra.Command{
		Use:   "compact <dir>",
		Short: "merge a database directory's files",
		Long: `
Merge a database directory's "tx.*" files into one (minor) or fold "main"
and every "tx.*" file into a new "main" (major, with --major).
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(args[0], major, filter, reportMetrics)
		},
	}
	cmd.Flags().BoolVar(&major, "major", false, "fold main into the result instead of leaving it untouched")
	cmd.Flags().StringSliceVar(&filter, "filter", nil, "external command to pipe surviving value records through")
	cmd.Flags().BoolVar(&reportMetrics, "metrics", false, "print a Prometheus text dump of the run's counters to stderr")
	return cmd
}

func runCompact(dir string, major bool, filter []string, reportMetrics bool) error {
	mode := sonnerie.MinorCompaction
	if major {
		mode = sonnerie.MajorCompaction
	}

	opts := sonnerie.CompactOptions{
		Mode:   mode,
		Filter: filter,
		Logger: slog.Default(),
	}
	if reportMetrics {
		reg := prometheus.NewRegistry()
		opts.Metrics = metrics.New(reg)
		defer dumpMetrics(reg)
	}

	return sonnerie.Compact(dir, opts)
}
