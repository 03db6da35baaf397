package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Unrecognized is returned as the caption when a custom endpoint answers
// successfully with a body that has no caption field.
const Unrecognized = "Custom API response format not recognized"

const maxBody = 1 << 20

type custom struct {
	client *http.Client
	logger zerolog.Logger
}

var (
	_ provider.Provider = &custom{}
	_ provider.Prober   = &custom{}
)

func Init(httpClient *http.Client, logger zerolog.Logger) *custom {
	return &custom{
		client: httpClient,
		logger: logger.With().Str("provider", string(provider.Custom)).Logger(),
	}
}

func (c *custom) Kind() provider.Kind { return provider.Custom }

type captionRequest struct {
	ImageURL  string `json:"image_url"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

func (c *custom) Caption(ctx context.Context, in provider.Input) (string, error) {
	if in.Config.Endpoint == "" {
		return "", provider.Errorf(provider.MissingEndpoint, "Custom API endpoint is required")
	}
	// Remote images are passed through by URL, everything else as a data URL
	if !in.Image.IsRemote() {
		if err := in.Image.Load(ctx, c.client); err != nil {
			return "", err
		}
	}

	buf, err := json.Marshal(captionRequest{
		ImageURL:  in.Image.Ref(),
		Prompt:    in.Prompt,
		MaxTokens: in.Config.Tokens(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.Config.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", provider.Errorf(provider.MissingEndpoint, "invalid custom endpoint %q", in.Config.Endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	if in.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+in.Config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("Custom API request failed: %s", err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", &provider.Error{Code: provider.NetworkFailure, Status: resp.StatusCode, Message: fmt.Sprintf("reading custom API response: %s", err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = "Custom API request failed"
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("endpoint", in.Config.Endpoint).Msg(msg)
		return "", &provider.Error{Code: provider.UpstreamFailure, Status: resp.StatusCode, Message: msg}
	}

	return extract(body), nil
}

// extract returns the first string among the caption, text and result
// fields, or Unrecognized.
func extract(body []byte) string {
	if !gjson.ValidBytes(body) {
		return Unrecognized
	}
	for _, r := range gjson.GetManyBytes(body, "caption", "text", "result") {
		if r.Type == gjson.String && strings.TrimSpace(r.String()) != "" {
			return r.String()
		}
	}
	return Unrecognized
}

// Probe posts an empty object to the endpoint.
func (c *custom) Probe(ctx context.Context, cfg provider.Config) error {
	if cfg.Endpoint == "" {
		return provider.Errorf(provider.MissingEndpoint, "Custom API endpoint is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, strings.NewReader("{}"))
	if err != nil {
		return provider.Errorf(provider.MissingEndpoint, "invalid custom endpoint %q", cfg.Endpoint)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("Connection failed: %s", err), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return provider.ProbeStatus(provider.Custom, resp.StatusCode, body)
}
