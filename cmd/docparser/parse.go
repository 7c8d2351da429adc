package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Lllllllleong/docparser/internal/app"
	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/extraction"
	"github.com/Lllllllleong/docparser/internal/services"
	"github.com/Lllllllleong/docparser/internal/source"
	"github.com/spf13/cobra"
)

type parseFlags struct {
	force       bool
	parseMode   string
	noExcel     bool
	noChart     bool
	params      []string
	concurrency int
}

func (f *parseFlags) register(cmd *cobra.Command, batch bool) {
	cmd.Flags().BoolVar(&f.force, "force", false, "re-parse even if a completed attempt exists")
	cmd.Flags().StringVar(&f.parseMode, "parse-mode", "", "override pdf_parse_mode (auto, scan, lite, ...)")
	cmd.Flags().BoolVar(&f.noExcel, "no-excel", false, "do not request the tables workbook")
	cmd.Flags().BoolVar(&f.noChart, "no-chart", false, "disable chart recognition")
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "extra ParseX parameter as key=value (repeatable)")
	if batch {
		cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "files parsed in parallel (default pipeline.max_concurrent)")
	}
}

func (f *parseFlags) request() (services.Request, error) {
	extra, err := parseParams(f.params)
	if err != nil {
		return services.Request{}, err
	}
	return services.Request{
		Reparse: f.force,
		Overrides: extraction.Overrides{
			ParseMode:  f.parseMode,
			NoWorkbook: f.noExcel,
			NoChart:    f.noChart,
			Extra:      extra,
		},
	}, nil
}

func (f *parseFlags) limit(cfg *config.Config) int {
	if f.concurrency > 0 {
		return f.concurrency
	}
	return cfg.Pipeline.MaxConcurrent
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func newParseFolderCmd(g *globalFlags) *cobra.Command {
	f := &parseFlags{}
	cmd := &cobra.Command{
		Use:   "parse-folder FOLDER_ID",
		Short: "Parse every supported file in a Google Drive folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFolder(cmd, g, f, source.KindDrive, args[0], nil)
		},
	}
	f.register(cmd, true)
	return cmd
}

func newParseFileCmd(g *globalFlags) *cobra.Command {
	f := &parseFlags{}
	cmd := &cobra.Command{
		Use:   "parse-file FILE_ID",
		Short: "Parse a single Google Drive file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingle(cmd, g, f, source.Descriptor{Kind: source.KindDrive, ID: args[0]}, nil)
		},
	}
	f.register(cmd, false)
	return cmd
}

func newParseGCSCmd(g *globalFlags) *cobra.Command {
	f := &parseFlags{}
	cmd := &cobra.Command{
		Use:   "parse-gcs gs://BUCKET/PREFIX",
		Short: "Parse a GCS object, or every supported object under a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, object, err := source.ParseURI(args[0])
			if err != nil {
				return err
			}
			enable := func(c *config.Config) { c.GCS.Enabled = true }
			if object != "" && source.MediaTypeByName(object) != "" {
				return runSingle(cmd, g, f, source.Descriptor{Kind: source.KindGCS, ID: args[0]}, enable)
			}
			return runFolder(cmd, g, f, source.KindGCS, args[0], enable)
		},
	}
	f.register(cmd, true)
	return cmd
}

func newParseLocalCmd(g *globalFlags) *cobra.Command {
	f := &parseFlags{}
	cmd := &cobra.Command{
		Use:   "parse-local PATH",
		Short: "Parse a local file, or every supported file in a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := os.Stat(args[0])
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", args[0], err)
			}
			if st.IsDir() {
				return runFolder(cmd, g, f, source.KindLocal, args[0], nil)
			}
			return runSingle(cmd, g, f, source.Descriptor{Kind: source.KindLocal, ID: args[0]}, nil)
		},
	}
	f.register(cmd, true)
	return cmd
}

func runSingle(cmd *cobra.Command, g *globalFlags, f *parseFlags, d source.Descriptor, mutate func(*config.Config)) error {
	req, err := f.request()
	if err != nil {
		return err
	}
	req.Source = d
	return g.run(mutate, func(ctx context.Context, a *app.App) error {
		out := a.Pipeline.Process(ctx, req)
		printOutcome(cmd.OutOrStdout(), out)
		if out.Status == services.OutcomeFailed {
			return out.Err
		}
		return nil
	})
}

func runFolder(cmd *cobra.Command, g *globalFlags, f *parseFlags, kind, folder string, mutate func(*config.Config)) error {
	tmpl, err := f.request()
	if err != nil {
		return err
	}
	return g.run(mutate, func(ctx context.Context, a *app.App) error {
		result, err := a.Pipeline.ProcessFolder(ctx, kind, folder, tmpl, f.limit(a.Config))
		if result != nil {
			w := cmd.OutOrStdout()
			for _, o := range result.Outcomes {
				printOutcome(w, o)
			}
			s := result.Summary()
			fmt.Fprintf(w, "\n%d completed, %d skipped, %d failed\n", s[services.OutcomeCompleted], s[services.OutcomeSkipped], s[services.OutcomeFailed])
			if err == nil && s[services.OutcomeFailed] > 0 {
				err = fmt.Errorf("%d file(s) failed", s[services.OutcomeFailed])
			}
		}
		return err
	})
}

func printOutcome(w io.Writer, o services.Outcome) {
	name := o.Name
	if name == "" {
		name = o.Source.ID
	}
	switch o.Status {
	case services.OutcomeFailed:
		fmt.Fprintf(w, "%-9s %s: %v\n", o.Status, name, o.Err)
	case services.OutcomeSkipped:
		fmt.Fprintf(w, "%-9s %s (attempt %s)\n", o.Status, name, o.AttemptID)
	default:
		fmt.Fprintf(w, "%-9s %s (attempt %s, %d elements, %s)\n", o.Status, name, o.AttemptID, o.Elements, o.Duration.Round(time.Millisecond))
	}
}
