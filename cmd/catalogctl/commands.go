package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"catalog-sync/internal/domain"
)

type catalogService interface {
	Status(ctx context.Context, datasetID string) (domain.CycleStatus, error)
	History(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error)
	TriggerAll(ctx context.Context, datasetIDs []string, force bool) ([]domain.RunResult, error)
	CheckFreshness(ctx context.Context, datasetIDs []string) []domain.FreshnessSample
	QuotaToday(ctx context.Context, scope string) (domain.QuotaUsage, error)
}

type globalOptions struct {
	configPath string
	verbose    bool
}

type opener func(ctx context.Context, opts *globalOptions) (catalogService, io.Closer, error)

func newRootCommand(open opener) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Inspect and drive catalog update cycles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default ./configs/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log progress to stderr")

	// with opens the service for one command and prints its result.
	with := func(fn func(ctx context.Context, svc catalogService, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			svc, closer, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			out, err := fn(cmd.Context(), svc, args)
			// Run results are printed even when some datasets failed.
			if _, partial := out.([]domain.RunResult); err == nil || partial {
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
			}
			return err
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "status <dataset>",
		Short: "Show the dataset's current cycle",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, svc catalogService, args []string) (any, error) {
			return svc.Status(ctx, args[0])
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "history <dataset>",
		Short: "List every cycle of the dataset, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, svc catalogService, args []string) (any, error) {
			return svc.History(ctx, args[0])
		}),
	})

	var force bool
	update := &cobra.Command{
		Use:   "update <dataset>...",
		Short: "Resume (or with --force, restart) the update cycle of each dataset",
		Args:  cobra.MinimumNArgs(1),
		RunE: with(func(ctx context.Context, svc catalogService, args []string) (any, error) {
			return svc.TriggerAll(ctx, args, force)
		}),
	}
	update.Flags().BoolVarP(&force, "force", "f", false, "Supersede the current cycle and start a new one")
	root.AddCommand(update)

	root.AddCommand(&cobra.Command{
		Use:   "freshness [dataset]...",
		Short: "Sample datasets for new upstream data (watched datasets when none given)",
		RunE: with(func(ctx context.Context, svc catalogService, args []string) (any, error) {
			return svc.CheckFreshness(ctx, args), nil
		}),
	})

	var scope string
	quota := &cobra.Command{
		Use:   "quota",
		Short: "Show today's request usage",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, svc catalogService, _ []string) (any, error) {
			return svc.QuotaToday(ctx, scope)
		}),
	}
	quota.Flags().StringVar(&scope, "scope", "", fmt.Sprintf("Ledger scope: a dataset ID or %q (default)", domain.GlobalScope))
	root.AddCommand(quota)

	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
