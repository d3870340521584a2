package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/chainops/internal/definitions"
	"github.com/rendis/chainops/internal/logging"
)

func migrateCmd() *cobra.Command {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if vacuum {
				if err := s.Vacuum(ctx); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready at %s\n", cfg.DBPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "compact the database after migrating")
	return cmd
}

func loadCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "load <file-or-dir>",
		Short: "Validate and apply rule set, chain and trigger definitions from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			b, err := definitions.Load(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if dryRun {
				res := a.loader.Validate(ctx, b)
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "warning %s: %s\n", w.Path, w.Message)
				}
				for _, e := range res.Errors {
					fmt.Fprintf(out, "error %s: %s\n", e.Path, e.Message)
				}
				if err := res.ToError(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d rule sets, %d chains, %d triggers valid\n", len(b.RuleSets), len(b.Chains), len(b.Triggers))
				return nil
			}

			sum, err := a.loader.Apply(ctx, b)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "rule sets: %d\nchains: %d created, %d updated, %d unchanged\ntriggers: %d created, %d updated\n",
				sum.RuleSets, sum.ChainsCreated, sum.ChainsUpdated, sum.ChainsUnchanged, sum.TriggersCreated, sum.TriggersUpdated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}
