package main

import (
	"fmt"
	"path"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"medlens/internal/device"
	"medlens/internal/registry"
)

func newDeviceCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print the compute device and precision that would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			dev, err := selectDevice(cfg)
			if err != nil {
				return err
			}
			c := color.New(color.FgYellow)
			if dev.IsAccelerator() {
				c = color.New(color.FgGreen)
			}
			c.Fprintf(cmd.OutOrStdout(), "Running on: %s\n", dev)
			fmt.Fprintf(cmd.OutOrStdout(), "precision: %s (override: %q)\n", device.PrecisionFor(dev), cfg.EffectiveDevice())
			return nil
		},
	}
}

func newModelsCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List cached models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			models, err := registry.NewCacheScanner().Scan(cfg.ModelsPath())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(models) == 0 {
				fmt.Fprintf(out, "no cached models in %s\n", cfg.ModelsPath())
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPRECISION\tSIZE\tWEIGHTS\tPROJECTOR")
			for _, m := range models {
				name := m.Name
				if m.Name == path.Base(cfg.ModelName) {
					name += " *"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d MiB\t%s\t%s\n", name, orDash(m.Precision), m.SizeBytes>>20, orDash(m.Weights), orDash(m.Projector))
			}
			return tw.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
