package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chriskillpack/captioner/internal/normalize"
	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultURL   = "https://openrouter.ai/api/v1/"
	DefaultModel = "mistralai/mistral-7b-instruct:free"

	// Used by Probe when no model is configured
	probeModel = "qwen/qwen-2-vl-7b-instruct:free"

	referer = "https://ai-caption-extension.com"
	title   = "AI Caption Generator Extension"

	temperature = 0.7
)

type openrouter struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var (
	_ provider.Provider = &openrouter{}
	_ provider.Prober   = &openrouter{}
)

// Init returns the chat completion adapter. Requests are paced to 20 a minute
// with a small burst.
func Init(baseURL string, httpClient *http.Client, logger zerolog.Logger) *openrouter {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &openrouter{
		baseURL: baseURL,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/20), 5),
		logger:  logger.With().Str("provider", string(provider.ChatCompletion)).Logger(),
	}
}

func (o *openrouter) Kind() provider.Kind { return provider.ChatCompletion }

// oac returns an API client bound to apiKey. The SDK's own retries are
// disabled, failures are reported to the caller as-is.
func (o *openrouter) oac(apiKey string) *oagc.Client {
	return oagc.NewClient(
		option.WithBaseURL(o.baseURL),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(o.client),
		option.WithHeader("HTTP-Referer", referer),
		option.WithHeader("X-Title", title),
		option.WithMaxRetries(0),
	)
}

func (o *openrouter) Caption(ctx context.Context, in provider.Input) (string, error) {
	if in.Config.APIKey == "" {
		return "", provider.Errorf(provider.MissingCredential, "OpenRouter API key is required. Please add your token in the settings.")
	}
	if err := in.Image.Load(ctx, o.client); err != nil {
		return "", err
	}

	model := in.Config.ModelName
	if model == "" {
		model = DefaultModel
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	params := oagc.ChatCompletionNewParams{
		Model: oagc.F(oagc.ChatModel(model)),
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessageParts(
				oagc.TextPart(in.Prompt),
				oagc.ImagePart(in.Image.DataURL()),
			),
		}),
		MaxTokens:   oagc.Int(int64(in.Config.Tokens())),
		Temperature: oagc.Float(temperature),
	}

	o.logger.Debug().Str("model", model).Int("max_tokens", in.Config.Tokens()).Msg("requesting completion")
	var resp *http.Response
	completion, err := o.oac(in.Config.APIKey).Chat.Completions.New(ctx, params, option.WithResponseInto(&resp))
	if err != nil {
		// A 2xx answer the SDK could not decode
		if resp != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 && ctx.Err() == nil {
			o.logger.Warn().Str("model", model).Err(err).Msg("undecodable completion")
			return "", &provider.Error{Code: provider.UnrecognizedFormat, Status: resp.StatusCode, Message: "OpenRouter response format not recognized", Err: err}
		}
		return "", classify(err)
	}

	text, err := normalize.Normalize([]byte(completion.JSON.RawJSON()), provider.ChatCompletion)
	if err != nil {
		o.logger.Warn().Str("model", model).Err(err).Msg("unusable completion")
		return "", err
	}
	return text, nil
}

// classify maps an SDK error onto a provider error.
func classify(err error) error {
	var apiErr *oagc.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("OpenRouter request failed: %s", err), Err: err}
	}

	status := apiErr.StatusCode
	switch status {
	case http.StatusUnauthorized:
		return &provider.Error{Code: provider.InvalidCredential, Status: status, Message: "Invalid OpenRouter API key. Please check your token in settings.", Err: err}
	case http.StatusTooManyRequests:
		return &provider.Error{Code: provider.RateLimited, Status: status, Message: "Rate limit exceeded. Please wait and try again.", Err: err}
	case http.StatusPaymentRequired:
		return &provider.Error{Code: provider.InsufficientCredits, Status: status, Message: "Insufficient credits. Please add credits to your OpenRouter account.", Err: err}
	}

	detail := apiErr.Message
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &provider.Error{
		Code:    provider.UpstreamFailure,
		Status:  status,
		Message: fmt.Sprintf("OpenRouter API error (%d): %s", status, detail),
		Err:     err,
	}
}

// Probe sends a short text-only completion to validate the key and model.
func (o *openrouter) Probe(ctx context.Context, cfg provider.Config) error {
	if cfg.APIKey == "" {
		return provider.Errorf(provider.MissingCredential, "API key is required")
	}
	model := cfg.ModelName
	if model == "" {
		model = probeModel
	}

	_, err := o.oac(cfg.APIKey).Chat.Completions.New(ctx, oagc.ChatCompletionNewParams{
		Model: oagc.F(oagc.ChatModel(model)),
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessage("Test connection"),
		}),
		MaxTokens: oagc.Int(10),
	})
	if err == nil {
		return nil
	}

	var apiErr *oagc.Error
	if errors.As(err, &apiErr) {
		return provider.ProbeStatus(provider.ChatCompletion, apiErr.StatusCode, []byte(apiErr.JSON.RawJSON()))
	}
	return &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("Connection failed: %s", err), Err: err}
}
