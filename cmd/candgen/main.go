// Package main provides the candgen binary entry point. candgen generates
// (query, candidate) pairs for geospatial entity linking.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alishiba14/IGEA/internal/config"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "candgen"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Candidate generation for geospatial entity linking",
		Long: `candgen links knowledge-graph entities to candidates of a spatial store.

For every query entity it retrieves the top candidates by distance or by
name similarity, checks whether the known link is among them and streams
the pairs into "train pairs.tsv" (linked) or "unmatched pairs.tsv".`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML, default <data-dir>/candgen.yaml if present)")
	cmd.PersistentFlags().StringVarP(&g.dataDir, "data-dir", "d", "", "Directory holding the query dump and receiving the outputs")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(g), publishCmd(g), configCmd(g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func runCmd(g *globalFlags) *cobra.Command {
	o := &config.Config{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate candidate pairs for all query entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, o)
			if err != nil {
				return err
			}
			res, err := runGeneration(cmd.Context(), cfg, g.logLevel)
			printReport(cmd.OutOrStdout(), res)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.Store.Backend, "backend", "", "Store backend (postgis, bigquery, memory)")
	f.StringVar(&o.Store.Fixture, "fixture", "", "Candidate fixture for the memory backend (JSON lines)")
	f.StringVar(&o.Generation.Mode, "mode", "", "Generation mode (spatial, name, legacy)")
	f.StringVar(&o.Generation.KGSource, "kg-source", "", "Knowledge graph of the query entities (wikidata, dbpedia)")
	f.IntVar(&o.Generation.MaxCandidates, "max-candidates", 0, "Candidates per query entity")
	f.Float64Var(&o.Generation.DistanceThreshold, "distance-threshold", 0, "Search radius in store units")
	f.IntVar(&o.Generation.Concurrency, "concurrency", 0, "Concurrent lookups (default store.max_conns)")
	f.Float64Var(&o.Generation.RateLimit, "rate-limit", 0, "Lookups per second (0 = unlimited)")
	f.StringVar(&o.Source.Path, "source", "", "Query dump (parquet, tsv or csv)")
	f.StringVar(&o.Output.Compression, "compression", "", "Output compression (none, gzip, zstd)")
	f.BoolVar(&o.Misc.TestRun, "testrun", false, "Restrict the run to --limit query entities")
	f.IntVar(&o.Misc.Limit, "limit", 0, "Query entities in a test run")
	f.DurationVar(&o.Misc.Timeout, "timeout", 0, "Abort the run after this duration")
	f.StringVar(&o.Metrics.Addr, "metrics-addr", "", "Serve /metrics and /status on this address during the run")
	f.StringVar(&o.Publish.Target, "publish", "", "Upload outputs after the run (gcs, s3)")
	f.StringVar(&o.Publish.Bucket, "bucket", "", "Bucket for --publish")
	f.StringVar(&o.Publish.Prefix, "prefix", "", "Object prefix for --publish")
	return cmd
}

func publishCmd(g *globalFlags) *cobra.Command {
	o := &config.Config{}
	cmd := &cobra.Command{
		Use:   "publish [files...]",
		Short: "Upload the outputs of a finished run",
		Long: `Upload files to the configured bucket. Without arguments the pair files
and the run log of the data directory are uploaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, o)
			if err != nil {
				return err
			}
			uris, err := publishFiles(cmd.Context(), cfg, g.logLevel, args)
			for _, u := range uris {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&o.Publish.Target, "target", "", "Object storage (gcs, s3)")
	cmd.Flags().StringVar(&o.Publish.Bucket, "bucket", "", "Bucket name")
	cmd.Flags().StringVar(&o.Publish.Prefix, "prefix", "", "Object prefix")
	return cmd
}

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigFile
			if g.dataDir != "" {
				path = filepath.Join(g.dataDir, path)
			}
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.DefaultConfig().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, &config.Config{})
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
