package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mmrzaf/invsync/internal/app"
	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/infra/catalog"
	"github.com/mmrzaf/invsync/internal/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var logLevel string

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "invsync",
		Short:        "Batch inventory and price sync",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level")

	rootCmd.AddCommand(syncCmd(cfg))
	rootCmd.AddCommand(queueCmd(cfg))
	rootCmd.AddCommand(statsCmd(cfg))
	rootCmd.AddCommand(catalogCmd(cfg))
	rootCmd.AddCommand(configCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withRuntime(ctx context.Context, cfg *config.Config, fn func(rt *app.Runtime) error) error {
	rt, err := app.Bootstrap(ctx, cfg, logging.NewLoggerWithWriter(logLevel, os.Stderr))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func syncCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run and drain syncs",
	}

	var format string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full sync; batch 1 is processed now, the rest is queued",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(rt *app.Runtime) error {
				summary, err := rt.Sync.RunSync(cmd.Context())
				if err != nil {
					return err
				}
				if format != "table" {
					return render(os.Stdout, format, summary)
				}
				fmt.Printf("Mode: %s\n", summary.Mode)
				if summary.RunID != "" {
					fmt.Printf("Run: %s\n", summary.RunID)
				}
				fmt.Printf("Tokens: %d in %d batch(es)\n", summary.Tokens, summary.TotalBatches)
				fmt.Printf("Synced: %d  Errors: %d  Not found: %d\n", summary.Synced, summary.Errors, summary.NotFound)
				return nil
			})
		},
	}
	runCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json|yaml)")

	var all bool
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Process the oldest pending batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(rt *app.Runtime) error {
				for {
					out, err := rt.Sync.DrainNextBatch(cmd.Context())
					if err != nil {
						return err
					}
					printOutcome(out)
					if !all || out.State == domain.DrainStateIdle || out.State == domain.DrainStateSkipped {
						return nil
					}
				}
			})
		},
	}
	drainCmd.Flags().BoolVar(&all, "all", false, "Keep draining until the queue is empty")

	cmd.AddCommand(runCmd, drainCmd)
	return cmd
}

func printOutcome(out *domain.DrainOutcome) {
	if out.Batch == nil {
		fmt.Printf("%s\n", out.State)
		return
	}
	b := out.Batch
	fmt.Printf("%s batch %d/%d synced=%d errors=%d not_found=%d remaining=%d\n",
		out.State, b.Number, b.Total, b.Synced, b.Errors, b.NotFound, out.Remaining)
	if b.Error != "" {
		fmt.Printf("  error: %s\n", b.Error)
	}
}

func queueCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and clear the batch queue",
	}

	var (
		limit  int
		status string
		format string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List batches, newest run first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(rt *app.Runtime) error {
				list, err := rt.Sync.ListBatches(cmd.Context(), limit, status)
				if err != nil {
					return err
				}
				if format != "table" {
					return render(os.Stdout, format, list)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tRUN\tBATCH\tSTATUS\tTOKENS\tSYNCED\tERRORS\tNOT FOUND\tCREATED")
				for _, b := range list {
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
						short(b.ID), short(b.RunID), b.Number, b.Total, b.Status, len(b.Tokens),
						b.Synced, b.Errors, b.NotFound, b.CreatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Limit results")
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|processing|completed|error)")
	listCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json|yaml)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every pending batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(rt *app.Runtime) error {
				n, err := rt.Sync.ClearQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d pending batch(es)\n", n)
				return nil
			})
		},
	}

	var showFormat string
	showCmd := &cobra.Command{
		Use:   "show <batch_id>",
		Short: "Show one batch with its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(rt *app.Runtime) error {
				b, err := rt.Sync.GetBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(os.Stdout, showFormat, b)
			})
		},
	}
	showCmd.Flags().StringVar(&showFormat, "format", "yaml", "Output format (json|yaml)")

	cmd.AddCommand(listCmd, showCmd, clearCmd)
	return cmd
}

func statsCmd(cfg *config.Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show run counters and pending batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(rt *app.Runtime) error {
				stats, err := rt.Sync.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if format != "table" {
					return render(os.Stdout, format, stats)
				}
				c := stats.Counters
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Run\t%s\n", orDash(c.RunID))
				fmt.Fprintf(w, "Synced\t%d\n", c.Synced)
				fmt.Fprintf(w, "Errors\t%d\n", c.Errors)
				fmt.Fprintf(w, "Not found\t%d\n", c.NotFound)
				fmt.Fprintf(w, "Pending\t%d\n", stats.Pending)
				last := "-"
				if c.LastSyncAt != nil {
					last = c.LastSyncAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "Last sync\t%s\n", last)
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table|json|yaml)")
	return cmd
}

func catalogCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the local catalog",
	}

	var opts catalog.SeedOptions
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the catalog with demo products",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.OpenSQLite(cmd.Context(), cfg.CatalogDBPath)
			if err != nil {
				return err
			}
			defer cat.Close()
			res, err := catalog.Seed(cmd.Context(), cat, opts)
			if err != nil {
				return err
			}
			total, err := cat.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d standalone, %d composite with %d variants (%d without SKU)\n",
				res.Standalone, res.Composite, res.Variants, res.WithoutSKU)
			fmt.Printf("Catalog now holds %d products\n", total)
			return nil
		},
	}
	seedCmd.Flags().IntVar(&opts.Products, "products", 100, "Number of products")
	seedCmd.Flags().IntVar(&opts.VariantsPerProduct, "variants", 3, "Variants per composite product")
	seedCmd.Flags().Int64Var(&opts.Seed, "seed", 1, "Seed for RNG")

	cmd.AddCommand(seedCmd)
	return cmd
}

func configCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(os.Stdout, "yaml", cfg.Redacted())
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
