package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/Lllllllleong/docparser/internal/api"
	"github.com/Lllllllleong/docparser/internal/app"
	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/gcp"
	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/records"
	"github.com/Lllllllleong/docparser/internal/source"
	"github.com/spf13/cobra"
)

// withStore opens only the record store, for commands that never call the
// extraction service.
func (g *globalFlags) withStore(fn func(ctx context.Context, s records.Store) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer s.Close()
	return fn(ctx, s)
}

func newInitDBCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or update the record store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withStore(func(ctx context.Context, s records.Store) error {
				if err := s.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Schema ready.")
				return nil
			})
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show file, attempt and element counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withStore(func(ctx context.Context, s records.Store) error {
				report, err := s.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, r *models.StatusReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Files\t%d\n", r.TotalFiles())
	for _, o := range []models.Origin{models.OriginRemote, models.OriginLocal} {
		fmt.Fprintf(tw, "  %s\t%d\n", o, r.FilesByOrigin[o])
	}
	var attempts int64
	for _, n := range r.AttemptsByStatus {
		attempts += n
	}
	fmt.Fprintf(tw, "Attempts\t%d\n", attempts)
	for _, st := range []models.ParseStatus{models.StatusCompleted, models.StatusFailed, models.StatusRunning} {
		fmt.Fprintf(tw, "  %s\t%d\n", st, r.AttemptsByStatus[st])
	}
	fmt.Fprintf(tw, "Elements\t%d\n", r.Elements)
	tw.Flush()
}

func newListFilesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-files FOLDER_ID",
		Short: "List supported files in a Google Drive folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, err := gcp.NewDriveService(ctx, cfg.Drive.CredentialsFile)
			if err != nil {
				return err
			}
			files, err := source.NewDrive(svc).List(ctx, args[0])
			if err != nil {
				return err
			}
			printFiles(cmd.OutOrStdout(), files)
			return nil
		},
	}
}

func printFiles(w io.Writer, files []source.FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSIZE")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", f.ID, f.Name, f.MediaType, f.Size)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d file(s)\n", len(files))
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			override := func(c *config.Config) {
				if port > 0 {
					c.Server.Port = port
				}
			}
			return g.run(override, func(ctx context.Context, a *app.App) error {
				if err := a.Store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate: %w", err)
				}
				srv := api.NewServer(a.Pipeline, a.Store)
				return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", a.Config.Server.Port))
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	return cmd
}
