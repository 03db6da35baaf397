package main

import (
	"context"
	"net/http"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/internal/cache"
	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
)

// app bundles what every command needs.
type app struct {
	cfg    *Config
	db     *captioner.DB
	cp     *captioner.Captioner
	tabs   *captioner.Registry
	logger zerolog.Logger

	closers []func() error
}

func newApp(ctx context.Context, cfg *Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, tabs: captioner.NewRegistry(), logger: logger}

	var c cache.Cache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Cache.TTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		c = rc
		logger.Debug().Str("addr", cfg.Redis.Addr).Msg("using redis caption cache")
	} else {
		c = cache.NewMemory(cfg.Cache.TTL)
	}

	cp, err := captioner.Init(captioner.InitOptions{
		HuggingFaceURL:    cfg.HuggingFace.URL,
		HuggingFaceModels: cfg.HuggingFace.Models,
		OpenRouterURL:     cfg.OpenRouter.URL,
		VisionURL:         cfg.Vision.URL,
		Cache:             c,
		HttpClient:        &http.Client{Timeout: cfg.HTTP.Timeout},
		Logger:            &logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cp = cp

	db, err := captioner.NewDB(ctx, cfg.DB)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db

	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	for _, fn := range a.closers {
		fn()
	}
}

type captionOptions struct {
	ImageURL   string // recorded in history, may differ from the image source
	PageURL    string
	Regenerate bool

	// Overrides for the stored preferences, ignored when empty
	Tone     provider.Tone
	Language string
	Keyword  string
}

// caption generates a caption for img with the stored settings and records
// it in the history when history saving is enabled.
func (a *app) caption(ctx context.Context, img *provider.Image, opts captionOptions) (*captioner.Result, error) {
	s, err := a.db.Settings(ctx)
	if err != nil {
		return nil, err
	}

	req := s.Request(img)
	req.Regenerate = opts.Regenerate
	if opts.Tone != "" {
		req.Tone = opts.Tone
	}
	if opts.Language != "" {
		req.Language = opts.Language
	}
	if opts.Keyword != "" {
		req.Keyword = opts.Keyword
		req.UseKeyword = true
	}

	res, err := a.cp.GenerateCaption(ctx, req, s.ProviderConfig())
	if err != nil {
		return nil, err
	}

	if s.SaveHistory {
		_, err := a.db.AddHistory(ctx, captioner.HistoryEntry{
			ImageURL: opts.ImageURL,
			Caption:  res.Text,
			Tone:     res.Tone,
			Language: res.Language,
			PageURL:  opts.PageURL,
			Provider: res.Provider,
		})
		if err != nil {
			// The caption is still good
			a.logger.Error().Err(err).Msg("saving history")
		}
	}
	return res, nil
}
