package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"medlens/internal/config"
	"medlens/internal/logging"
	"medlens/internal/registry"
	"medlens/internal/session"
	"medlens/internal/store"
	"medlens/internal/webui"
)

type serveOpts struct {
	addr        string
	preload     bool
	record      bool
	corsEnabled bool
	corsOrigins string
	corsMethods string
	corsHeaders string
	logFile     string
	requestLog  string
	secure      bool
}

func newServeCmd(g *globalOpts) *cobra.Command {
	o := &serveOpts{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MedLens page and API",
		Example: "  medlens serve\n" +
			"  medlens serve --addr :8000 --preload\n" +
			"  medlens --config medlens.yaml serve --record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Addr = o.addr
			}
			if f.Changed("preload") {
				cfg.Preload = o.preload
			}
			if f.Changed("record") {
				cfg.RecordAnalyses = o.record
			}
			if f.Changed("log-file") {
				cfg.LogFile = o.logFile
			}
			if f.Changed("cors-enabled") {
				cfg.CORS.Enabled = o.corsEnabled
			}
			if v := splitCSV(o.corsOrigins); len(v) > 0 {
				cfg.CORS.Origins = v
			}
			if v := splitCSV(o.corsMethods); len(v) > 0 {
				cfg.CORS.Methods = v
			}
			if v := splitCSV(o.corsHeaders); len(v) > 0 {
				cfg.CORS.Headers = v
			}
			return serve(cfg, g.configPath, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "", "HTTP listen address, e.g. :8000 (overrides host/port)")
	f.BoolVar(&o.preload, "preload", false, "Resolve the model before accepting requests")
	f.BoolVar(&o.record, "record", false, "Record analyses with a patient id in the database")
	f.BoolVar(&o.corsEnabled, "cors-enabled", false, "Enable CORS on the JSON API")
	f.StringVar(&o.corsOrigins, "cors-origins", "", "Comma-separated allowed origins")
	f.StringVar(&o.corsMethods, "cors-methods", "", "Comma-separated allowed methods")
	f.StringVar(&o.corsHeaders, "cors-headers", "", "Comma-separated allowed headers")
	f.StringVar(&o.logFile, "log-file", "", "Also write JSON logs to this file, rotated")
	f.StringVar(&o.requestLog, "request-log", "", "Default per-request log level: off|error|info|debug")
	f.BoolVar(&o.secure, "secure-cookies", false, "Set the Secure flag on session cookies")
	return cmd
}

func serve(cfg config.Config, configPath string, o *serveOpts) error {
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

	ms, err := newModelStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := ms.Close(); err != nil {
			log.Warn().Err(err).Msg("close model")
		}
	}()

	app := &webui.AppState{
		Analyzer:          ms.pipeline,
		Sessions:          session.NewRegistry(o.secure),
		Models:            registry.NewCacheScanner(),
		ModelsDir:         cfg.ModelsPath(),
		UploadsDir:        cfg.UploadsPath(),
		AllowedExtensions: cfg.AllowedExtensions,
		Device:            ms.dev,
	}
	if cfg.RecordAnalyses {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		app.Recorder = st
	}

	webui.SetLogger(log.With().Str("component", "http").Logger())
	webui.SetBaseContext(ctx)
	webui.SetMaxBodyBytes(cfg.MaxBodyBytes)
	webui.SetRequestTimeoutSeconds(int64(cfg.RequestTimeoutSec))
	webui.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	if o.requestLog != "" {
		webui.SetDefaultRequestLogLevel(o.requestLog)
	}

	if configPath != "" {
		err := config.Watch(ctx, configPath, func(c config.Config) {
			if err := logging.SetLevel(c.LogLevel); err != nil {
				log.Warn().Err(err).Msg("config reload")
				return
			}
			log.Info().Str("log_level", c.LogLevel).Msg("config reloaded")
		}, func(err error) {
			log.Warn().Err(err).Msg("config reload")
		})
		if err != nil {
			log.Warn().Err(err).Str("path", configPath).Msg("config watch disabled")
		}
	}

	if cfg.Preload {
		// readyz reports loading until this finishes
		go warm(ctx, ms, log)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           webui.NewMux(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("device", string(ms.dev)).Str("model", cfg.ModelName).
			Str("cache_dir", cfg.CacheDir()).Bool("record", cfg.RecordAnalyses).Msg("medlens listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// warm resolves the model before serving. Failure is logged; requests
// retry resolution.
func warm(ctx context.Context, ms *modelStack, log zerolog.Logger) {
	start := time.Now()
	res := ms.pipeline.Warm(ctx)
	if !res.OK() {
		log.Error().Str("error", res.Message).Msg("preload failed")
		return
	}
	for _, w := range res.Warnings {
		log.Warn().Str("warning", w).Msg("preload")
	}
	log.Info().Dur("dur", time.Since(start)).Msg("model preloaded")
}

// openStore migrates the database and opens it.
func openStore(cfg config.Config) (*store.Store, error) {
	scfg, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateUp(scfg); err != nil {
		return nil, err
	}
	return store.Open(scfg)
}

func storeConfig(cfg config.Config) (store.Config, error) {
	path, err := store.PathFromURL(cfg.DatabasePath())
	if err != nil {
		return store.Config{}, err
	}
	return store.DefaultConfig(path), nil
}
