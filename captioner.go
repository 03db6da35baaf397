package captioner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chriskillpack/captioner/internal/cache"
	"github.com/chriskillpack/captioner/internal/custom"
	"github.com/chriskillpack/captioner/internal/huggingface"
	"github.com/chriskillpack/captioner/internal/openrouter"
	"github.com/chriskillpack/captioner/internal/prompt"
	"github.com/chriskillpack/captioner/internal/vision"
	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
)

// OnDevice is reported as the provider of placeholder on-device captions.
const OnDevice provider.Kind = "on-device"

type InitOptions struct {
	HuggingFaceURL    string
	HuggingFaceModels []string
	OpenRouterURL     string
	VisionURL         string

	Cache cache.Cache // nil disables caching

	HttpClient *http.Client     // if nil uses http.DefaultClient
	Logger     *zerolog.Logger  // if nil logging is disabled
	Now        func() time.Time // if nil uses time.Now
}

type Captioner struct {
	providers map[provider.Kind]provider.Provider
	cache     cache.Cache
	logger    zerolog.Logger
	now       func() time.Time
}

func Init(cio InitOptions) (*Captioner, error) {
	httpClient := cio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := zerolog.Nop()
	if cio.Logger != nil {
		logger = *cio.Logger
	}
	now := cio.Now
	if now == nil {
		now = time.Now
	}

	c := &Captioner{
		cache:  cio.Cache,
		logger: logger,
		now:    now,
	}
	c.providers = make(map[provider.Kind]provider.Provider)
	for _, p := range []provider.Provider{
		huggingface.Init(cio.HuggingFaceURL, cio.HuggingFaceModels, httpClient, logger),
		openrouter.Init(cio.OpenRouterURL, httpClient, logger),
		vision.Init(cio.VisionURL, httpClient, logger),
		custom.Init(httpClient, logger),
	} {
		c.providers[p.Kind()] = p
	}

	for _, k := range provider.Kinds {
		if _, ok := c.providers[k]; !ok {
			return nil, fmt.Errorf("no adapter for provider %q", k)
		}
	}

	return c, nil
}

// Request is one caption action. It is not modified by GenerateCaption.
type Request struct {
	Image    *provider.Image
	Tone     provider.Tone
	Language string // ISO 639-1, empty means English

	Keyword    string
	UseKeyword bool

	UseOnDevice bool
	UseCache    bool
	Regenerate  bool // skip cached captions
}

// Result is a generated caption.
type Result struct {
	Text      string
	Provider  provider.Kind
	Tone      provider.Tone
	Language  string
	Timestamp time.Time
}

// GenerateCaption dispatches req to the provider selected by cfg. It returns
// exactly one of a Result or an error; provider failures are *provider.Error
// values.
func (c *Captioner) GenerateCaption(ctx context.Context, req Request, cfg provider.Config) (*Result, error) {
	lang := req.Language
	if lang == "" {
		lang = prompt.DefaultLanguage
	}

	if req.UseOnDevice {
		return &Result{
			Text:      fmt.Sprintf("[On-device caption for image in %s tone, %s language]", req.Tone, lang),
			Provider:  OnDevice,
			Tone:      req.Tone,
			Language:  lang,
			Timestamp: c.now(),
		}, nil
	}

	kind := cfg.Provider
	if kind == "" {
		kind = provider.ModelInference
	}
	p, ok := c.providers[kind]
	if !ok {
		return nil, provider.Errorf(provider.UnknownProvider, "Unknown provider: %s", kind)
	}
	cfg.Provider = kind

	if req.Image == nil {
		return nil, provider.Errorf(provider.InvalidImageData, "no image provided")
	}

	var keyword string
	if req.UseKeyword {
		keyword = strings.TrimSpace(req.Keyword)
	}

	log := c.logger.With().
		Str("provider", string(kind)).
		Str("tone", string(req.Tone)).
		Str("language", lang).
		Str("key", redact(cfg.APIKey)).
		Logger()

	var key string
	if c.cache != nil && req.UseCache {
		key = cacheKey(req.Image, cfg, req.Tone, lang, keyword)
		if !req.Regenerate {
			text, hit, err := c.cache.Get(ctx, key)
			if err != nil {
				log.Warn().Err(err).Msg("cache lookup failed")
			} else if hit {
				log.Debug().Msg("cached caption")
				return c.result(text, kind, req.Tone, lang), nil
			}
		}
	}

	start := c.now()
	text, err := p.Caption(ctx, provider.Input{
		Image:   req.Image,
		Prompt:  prompt.BuildPrompt(req.Tone, lang, keyword),
		Tone:    req.Tone,
		Keyword: keyword,
		Config:  cfg,
	})
	if err != nil {
		log.Error().Str("code", string(provider.CodeOf(err))).Err(err).Msg("caption failed")
		return nil, err
	}

	// Label templates and custom endpoints produce their final text already
	if kind == provider.ModelInference || kind == provider.ChatCompletion {
		text = prompt.ApplyTone(text, req.Tone)
	}

	// The unrecognized-format placeholder must not outlive a fixed endpoint
	if key != "" && !(kind == provider.Custom && text == custom.Unrecognized) {
		if err := c.cache.Set(ctx, key, text); err != nil {
			log.Warn().Err(err).Msg("cache store failed")
		}
	}

	log.Info().Dur("elapsed", c.now().Sub(start)).Msg("caption generated")
	return c.result(text, kind, req.Tone, lang), nil
}

func (c *Captioner) result(text string, kind provider.Kind, tone provider.Tone, lang string) *Result {
	return &Result{Text: text, Provider: kind, Tone: tone, Language: lang, Timestamp: c.now()}
}

// TestConnection checks that cfg's credentials and endpoint are accepted by
// the provider without generating a caption.
func (c *Captioner) TestConnection(ctx context.Context, cfg provider.Config) error {
	kind := cfg.Provider
	if kind == "" {
		kind = provider.ModelInference
	}
	p, ok := c.providers[kind]
	if !ok {
		return provider.Errorf(provider.UnknownProvider, "Unknown provider: %s", kind)
	}
	pr, ok := p.(provider.Prober)
	if !ok {
		return nil
	}

	err := pr.Probe(ctx, cfg)
	c.logger.Info().Str("provider", string(kind)).Str("key", redact(cfg.APIKey)).AnErr("result", err).Msg("connection test")
	return err
}

func cacheKey(img *provider.Image, cfg provider.Config, tone provider.Tone, lang, keyword string) string {
	src := img.Source()
	if src == "" {
		src = string(img.Bytes())
	}
	return cache.Key(string(cfg.Provider), cfg.ModelName, cfg.Endpoint, string(tone), lang, keyword, src)
}

// redact keeps at most the first 8 characters of a credential.
func redact(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return key[:len(key)/2] + "..."
	}
	return key[:8] + "..."
}
