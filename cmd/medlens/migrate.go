package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"medlens/internal/store"
)

func newMigrateCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the patient database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("migrate requires a subcommand: up|down|version")
		},
	}
	withStore := func(fn func(*cobra.Command, store.Config, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			scfg, err := storeConfig(cfg)
			if err != nil {
				return err
			}
			return fn(cmd, scfg, args)
		}
	}
	up := &cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: withStore(func(cmd *cobra.Command, s store.Config, args []string) error {
		if err := store.MigrateUp(s); err != nil {
			return err
		}
		return printVersion(cmd, s)
	})}
	down := &cobra.Command{Use: "down [steps]", Short: "Roll back migrations (all when steps is omitted)", Args: cobra.MaximumNArgs(1), RunE: withStore(func(cmd *cobra.Command, s store.Config, args []string) error {
		steps := -1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("steps must be a positive integer, got %q", args[0])
			}
			steps = n
		}
		if err := store.MigrateDown(s, steps); err != nil {
			return err
		}
		return printVersion(cmd, s)
	})}
	version := &cobra.Command{Use: "version", Short: "Print the schema version", RunE: withStore(func(cmd *cobra.Command, s store.Config, args []string) error {
		return printVersion(cmd, s)
	})}
	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(cmd *cobra.Command, s store.Config) error {
	v, dirty, err := store.Version(s)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d", s.Path, v)
	if dirty {
		fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
