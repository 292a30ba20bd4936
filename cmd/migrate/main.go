// Command migrate applies the BigQuery schema of the run history.
package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/bigquery"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/alishiba14/IGEA/internal/logger"
	"github.com/alishiba14/IGEA/internal/runs"
)

type options struct {
	projectID       string
	datasetID       string
	appliedBy       string
	migrationsDir   string
	credentialsFile string
	list            bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending BigQuery migrations of the run history dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := runs.Migrations()
			if o.migrationsDir != "" {
				fsys = os.DirFS(o.migrationsDir)
			}
			if o.list {
				return listMigrations(cmd.OutOrStdout(), fsys, o)
			}
			return apply(cmd.Context(), fsys, o)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&o.projectID, "project", "", "GCP project ID (required)")
	f.StringVar(&o.datasetID, "dataset", "entity_linking", "BigQuery dataset ID")
	f.StringVar(&o.appliedBy, "applied-by", "migrate-cli", "Name of the tool applying migrations")
	f.StringVar(&o.migrationsDir, "migrations", "", "Read migrations from this directory instead of the embedded set")
	f.StringVar(&o.credentialsFile, "credentials", "", "Service account key file")
	f.BoolVar(&o.list, "list", false, "Print the migrations without connecting")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func listMigrations(w io.Writer, fsys fs.FS, o *options) error {
	migs, err := runs.ReadMigrations(fsys, o.projectID, o.datasetID)
	if err != nil {
		return err
	}
	for _, m := range migs {
		fmt.Fprintf(w, "%04d_%s\t%s\n", m.Version, m.Name, m.Checksum[:12])
	}
	return nil
}

func apply(ctx context.Context, fsys fs.FS, o *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New()

	var opts []option.ClientOption
	if o.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.credentialsFile))
	}
	client, err := bigquery.NewClient(ctx, o.projectID, opts...)
	if err != nil {
		return fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	defer client.Close()

	log.Info().Str("project", o.projectID).Str("dataset", o.datasetID).Msg("connected to BigQuery")

	n, err := runs.NewMigrator(client, o.projectID, o.datasetID, o.appliedBy, log).Apply(ctx, fsys)
	if err != nil {
		return err
	}
	if n == 0 {
		log.Info().Msg("no pending migrations")
		return nil
	}
	log.Info().Int("applied", n).Msg("migrations applied successfully")
	return nil
}
