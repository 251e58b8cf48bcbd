package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"medlens/internal/config"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{configPath: os.Getenv("MEDLENS_CONFIG")}
	root := &cobra.Command{
		Use:           "medlens",
		Short:         "Medical image question answering with MedGemma",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", g.configPath, "Config file (yaml, json or toml; defaults MEDLENS_CONFIG)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (overrides config)")

	root.AddCommand(
		newServeCmd(g),
		newFetchCmd(g),
		newMigrateCmd(g),
		newDeviceCmd(g),
		newModelsCmd(g),
	)
	return root
}

// load reads the configuration and applies the flag overrides.
func (g *globalOpts) load() (config.Config, error) {
	cfg, err := config.FromEnvironment(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
