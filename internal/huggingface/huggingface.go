package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/captioner/internal/normalize"
	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
)

const DefaultURL = "https://api-inference.huggingface.co"

// Models tried in order of preference.
var DefaultModels = []string{
	"Salesforce/blip-image-captioning-base",
	"Salesforce/blip-image-captioning-large",
	"microsoft/git-base-coco",
	"nlpconnect/vit-gpt2-image-captioning",
}

const maxErrorBody = 4096

type huggingface struct {
	baseURL string
	models  []string

	client *http.Client
	logger zerolog.Logger
}

var (
	_ provider.Provider = &huggingface{}
	_ provider.Prober   = &huggingface{}
)

func Init(baseURL string, models []string, httpClient *http.Client, logger zerolog.Logger) *huggingface {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if len(models) == 0 {
		models = DefaultModels
	}
	return &huggingface{
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		client:  httpClient,
		logger:  logger.With().Str("provider", string(provider.ModelInference)).Logger(),
	}
}

func (h *huggingface) Kind() provider.Kind { return provider.ModelInference }

// attempt records the outcome of one request to one model.
type attempt struct {
	model      string
	credential bool
	status     int // 0 when no response was received
	text       string
	err        error
}

// retrySameModel reports whether the same model should be tried again
// without the credential.
func (a *attempt) retrySameModel() bool {
	return a.credential && (a.status == http.StatusUnauthorized || a.status == 0)
}

// Caption tries each model in turn, first with the configured credential and
// then without it, and returns the first non-empty caption.
func (h *huggingface) Caption(ctx context.Context, in provider.Input) (string, error) {
	if err := in.Image.Load(ctx, h.client); err != nil {
		return "", err
	}

	modes := []bool{false}
	if in.Config.APIKey != "" {
		modes = []bool{true, false}
	}

	var last *attempt
	for _, model := range h.models {
		for _, withCred := range modes {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			a := h.try(ctx, model, withCred, in)
			if a.err == nil {
				h.logger.Debug().Str("model", model).Bool("credential", withCred).Msg("caption generated")
				return a.text, nil
			}

			last = a
			h.logger.Warn().
				Str("model", model).
				Bool("credential", withCred).
				Int("status", a.status).
				Err(a.err).
				Msg("model attempt failed")
			if !a.retrySameModel() {
				break
			}
		}
	}

	h.logger.Error().Strs("models", h.models).Err(last.err).Msg("all models failed")
	return "", exhausted(last)
}

func (h *huggingface) try(ctx context.Context, model string, withCred bool, in provider.Input) *attempt {
	a := &attempt{model: model, credential: withCred}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/models/"+model, bytes.NewReader(in.Image.Bytes()))
	if err != nil {
		a.err = err
		return a
	}
	req.Header.Set("Content-Type", in.Image.MIME())
	if withCred {
		req.Header.Set("Authorization", "Bearer "+in.Config.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		a.err = &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("request to %s failed: %s", model, err), Err: err}
		return a
	}
	defer resp.Body.Close()
	a.status = resp.StatusCode

	switch resp.StatusCode {
	case http.StatusOK:
		// handled below
	case http.StatusUnauthorized:
		a.err = &provider.Error{Code: provider.InvalidCredential, Status: a.status, Message: "Authentication failed. Please check your Hugging Face token."}
		return a
	case http.StatusNotFound:
		a.err = &provider.Error{Code: provider.UpstreamFailure, Status: a.status, Message: fmt.Sprintf("Model %s not found", model)}
		return a
	case http.StatusTooManyRequests:
		a.err = &provider.Error{Code: provider.RateLimited, Status: a.status, Message: fmt.Sprintf("Rate limit exceeded for %s", model)}
		return a
	case http.StatusServiceUnavailable:
		a.err = &provider.Error{Code: provider.UpstreamFailure, Status: a.status, Message: fmt.Sprintf("Model %s is loading", model)}
		return a
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		a.err = &provider.Error{
			Code:    provider.UpstreamFailure,
			Status:  a.status,
			Message: fmt.Sprintf("HTTP %d: %s", a.status, strings.TrimSpace(string(body))),
		}
		return a
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.err = &provider.Error{Code: provider.NetworkFailure, Status: a.status, Message: fmt.Sprintf("reading response from %s: %s", model, err), Err: err}
		return a
	}
	a.text, a.err = normalize.Normalize(body, provider.ModelInference)
	return a
}

// exhausted builds the terminal error from the last failed attempt.
func exhausted(last *attempt) error {
	msg := "All Hugging Face models are currently unavailable. "
	var lastMsg string
	if last != nil && last.err != nil {
		lastMsg = strings.ToLower(last.err.Error())
	}
	switch {
	case strings.Contains(lastMsg, "token"):
		msg += "Please check your API token in the settings."
	case strings.Contains(lastMsg, "not found"):
		msg += "This might be a temporary issue with Hugging Face servers. Please try again in a few minutes."
	default:
		msg += "Please try again later or check your internet connection."
	}

	e := &provider.Error{Code: provider.AllModelsExhausted, Message: msg}
	if last != nil {
		e.Status = last.status
		e.Err = last.err
	}
	return e
}

// Probe sends a text input to the first model to validate the token.
func (h *huggingface) Probe(ctx context.Context, cfg provider.Config) error {
	if cfg.APIKey == "" {
		return provider.Errorf(provider.MissingCredential, "API key is required")
	}

	buf, err := json.Marshal(map[string]any{"inputs": "test"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/models/"+h.models[0], bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("Connection failed: %s", err), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return provider.ProbeStatus(provider.ModelInference, resp.StatusCode, body)
}
