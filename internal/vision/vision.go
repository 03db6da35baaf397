// Package vision captions images from Google Cloud Vision label detection.
// The detected labels are turned into a sentence by a tone-specific template.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chriskillpack/captioner/internal/prompt"
	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gv "google.golang.org/api/vision/v1"
)

const DefaultURL = "https://vision.googleapis.com/"

// 1x1 transparent PNG used to check credentials
const probeImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type vision struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

var (
	_ provider.Provider = &vision{}
	_ provider.Prober   = &vision{}
)

func Init(endpoint string, httpClient *http.Client, logger zerolog.Logger) *vision {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &vision{
		endpoint: endpoint,
		client:   httpClient,
		logger:   logger.With().Str("provider", string(provider.LabelDetection)).Logger(),
	}
}

func (v *vision) Kind() provider.Kind { return provider.LabelDetection }

// keyTransport authenticates every request with an API key header. The
// client library ignores option.WithAPIKey once a custom HTTP client is set.
type keyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *keyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Goog-Api-Key", t.key)
	return t.base.RoundTrip(r)
}

func (v *vision) service(ctx context.Context, apiKey string) (*gv.Service, error) {
	base := http.DefaultTransport
	if v.client != nil && v.client.Transport != nil {
		base = v.client.Transport
	}
	hc := &http.Client{Transport: &keyTransport{key: apiKey, base: base}}
	if v.client != nil {
		hc.Timeout = v.client.Timeout
	}
	return gv.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(v.endpoint))
}

// Labels returns up to prompt.MaxLabels label descriptions for the image,
// most confident first.
func (v *vision) Labels(ctx context.Context, img *provider.Image, apiKey string) ([]string, error) {
	if apiKey == "" {
		return nil, provider.Errorf(provider.MissingCredential, "Google Cloud Vision API key is required. Please add your key in the settings.")
	}
	if err := img.Load(ctx, v.client); err != nil {
		return nil, err
	}

	svc, err := v.service(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Images.Annotate(&gv.BatchAnnotateImagesRequest{
		Requests: []*gv.AnnotateImageRequest{{
			Image:    &gv.Image{Content: img.Base64()},
			Features: []*gv.Feature{{Type: "LABEL_DETECTION", MaxResults: prompt.MaxLabels}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Responses) == 0 {
		return nil, provider.Errorf(provider.NoLabelsDetected, "No labels detected in the image")
	}
	r := resp.Responses[0]
	if r.Error != nil && r.Error.Code != 0 {
		return nil, &provider.Error{Code: provider.BadRequest, Message: fmt.Sprintf("Google Vision API error: %s", r.Error.Message)}
	}

	var labels []string
	for _, la := range r.LabelAnnotations {
		if d := strings.TrimSpace(la.Description); d != "" {
			labels = append(labels, d)
		}
		if len(labels) == prompt.MaxLabels {
			break
		}
	}
	if len(labels) == 0 {
		return nil, provider.Errorf(provider.NoLabelsDetected, "No labels detected in the image")
	}
	return labels, nil
}

func (v *vision) Caption(ctx context.Context, in provider.Input) (string, error) {
	labels, err := v.Labels(ctx, in.Image, in.Config.APIKey)
	if err != nil {
		return "", err
	}
	v.logger.Debug().Strs("labels", labels).Msg("labels detected")
	return prompt.TemplateFromLabels(labels, in.Tone, in.Keyword), nil
}

func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("Google Vision request failed: %s", err), Err: err}
	}

	switch gerr.Code {
	case http.StatusBadRequest:
		return &provider.Error{Code: provider.BadRequest, Status: gerr.Code, Message: "Invalid request to Google Vision API. Please check the image.", Err: err}
	case http.StatusUnauthorized:
		return &provider.Error{Code: provider.InvalidCredential, Status: gerr.Code, Message: "Invalid Google Cloud Vision API key. Please check your key in settings.", Err: err}
	case http.StatusForbidden:
		return &provider.Error{Code: provider.AccessDenied, Status: gerr.Code, Message: "Access denied. Make sure the Cloud Vision API is enabled for your key.", Err: err}
	case http.StatusTooManyRequests:
		return &provider.Error{Code: provider.RateLimited, Status: gerr.Code, Message: "Google Vision API quota exceeded. Please try again later.", Err: err}
	}
	return &provider.Error{
		Code:    provider.UpstreamFailure,
		Status:  gerr.Code,
		Message: fmt.Sprintf("Google Vision API error (%d): %s", gerr.Code, gerr.Message),
		Err:     err,
	}
}

// Probe annotates a tiny image to check the key.
func (v *vision) Probe(ctx context.Context, cfg provider.Config) error {
	if cfg.APIKey == "" {
		return provider.Errorf(provider.MissingCredential, "API key is required")
	}
	svc, err := v.service(ctx, cfg.APIKey)
	if err != nil {
		return err
	}
	_, err = svc.Images.Annotate(&gv.BatchAnnotateImagesRequest{
		Requests: []*gv.AnnotateImageRequest{{
			Image:    &gv.Image{Content: probeImage},
			Features: []*gv.Feature{{Type: "LABEL_DETECTION", MaxResults: 1}},
		}},
	}).Context(ctx).Do()
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return provider.ProbeStatus(provider.LabelDetection, gerr.Code, []byte(gerr.Body))
	}
	return &provider.Error{Code: provider.NetworkFailure, Message: fmt.Sprintf("Connection failed: %s", err), Err: err}
}
