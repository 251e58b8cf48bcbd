package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"medlens/internal/common/fsutil"
)

func newFetchCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Resolve the configured model into the local cache",
		Long: "Loads the model from the local cache, or fetches it from the hub and\n" +
			"saves it to the cache directory when it is missing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			log, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cached := fsutil.IsDir(cfg.CacheDir())
			ms, err := newModelStack(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer ms.Close()
			res := ms.resolver.Resolve(ctx, cfg.ModelName, cfg.CacheDir())
			out := cmd.OutOrStdout()
			if !res.OK() {
				var err error = errors.New("model not resolved")
				if res.Err != nil {
					err = res.Err
				}
				color.New(color.FgRed).Fprintf(out, "failed: %v\n", err)
				return err
			}
			state := color.GreenString("cache hit")
			if !cached {
				state = color.YellowString("fetched")
			}
			fmt.Fprintf(out, "%s %s -> %s (%s, %s)\n", state, cfg.ModelName, cfg.CacheDir(), res.Handle.Device, res.Handle.Precision)
			for _, w := range res.Warnings {
				color.New(color.FgYellow).Fprintf(out, "warning: %v\n", w)
			}
			return res.Handle.Close()
		},
	}
}
