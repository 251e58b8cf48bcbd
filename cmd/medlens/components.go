package main

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"medlens/internal/config"
	"medlens/internal/device"
	"medlens/internal/hub"
	"medlens/internal/llamacpp"
	"medlens/internal/logging"
	"medlens/internal/modelcache"
	"medlens/internal/pipeline"
)

// newLogger builds the process logger. The logger itself logs everything;
// the global level gates output so config reloads take effect.
func newLogger(cfg config.Config) (zerolog.Logger, io.Closer, error) {
	log, closer, err := logging.New(logging.Options{
		Level:   "debug",
		Console: cfg.Debug,
		File:    cfg.LogFile,
	})
	if err != nil {
		return log, closer, err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		closer.Close()
		return log, nopCloser{}, err
	}
	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// selectDevice applies the configured override on top of host detection.
func selectDevice(cfg config.Config) (device.Tag, error) {
	probe, err := device.Override(cfg.EffectiveDevice(), device.NewHostProbe())
	if err != nil {
		return "", err
	}
	return device.Select(probe), nil
}

// modelStack is everything needed to resolve and run the model.
type modelStack struct {
	dev      device.Tag
	registry *llamacpp.Registry
	resolver *modelcache.Resolver
	pipeline *pipeline.Pipeline
}

func (s *modelStack) Close() error {
	perr := s.pipeline.Close()
	if err := s.registry.Close(); err != nil {
		return err
	}
	return perr
}

// newModelStack wires the model backend. ctx bounds shared model resolution
// for the lifetime of the process.
func newModelStack(ctx context.Context, cfg config.Config, log zerolog.Logger) (*modelStack, error) {
	dev, err := selectDevice(cfg)
	if err != nil {
		return nil, err
	}
	h := hub.New(cfg.HFToken)
	h.BaseURL = cfg.HFEndpoint
	h.Log = log.With().Str("component", "hub").Logger()

	repos := map[string]string{}
	if cfg.GGUFRepo != "" {
		repos[cfg.ModelName] = cfg.GGUFRepo
	}
	reg := llamacpp.New(llamacpp.Options{
		Bin:          cfg.Llama.Bin,
		Host:         cfg.Llama.Host,
		PortStart:    cfg.Llama.PortStart,
		PortEnd:      cfg.Llama.PortEnd,
		CtxSize:      cfg.Llama.CtxSize,
		Threads:      cfg.Llama.Threads,
		ExtraArgs:    cfg.Llama.ExtraArgs,
		ReadyTimeout: time.Duration(cfg.Llama.ReadyTimeoutSec) * time.Second,
		DownloadDir:  filepath.Join(cfg.DataDir, "downloads"),
		Repos:        repos,
	}, h, log.With().Str("component", "llamacpp").Logger())

	rlog := log.With().Str("component", "modelcache").Logger()
	res := modelcache.New(reg, dev,
		modelcache.WithLogger(rlog),
		modelcache.WithPublisher(modelcache.LogPublisher{Log: rlog}),
	)
	p := pipeline.New(res, cfg.ModelName, cfg.CacheDir(),
		pipeline.WithLogger(log.With().Str("component", "pipeline").Logger()),
		pipeline.WithBaseContext(ctx))
	return &modelStack{dev: dev, registry: reg, resolver: res, pipeline: p}, nil
}
