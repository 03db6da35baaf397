package huggingface

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

type request struct {
	path string
	auth string
}

// recorder serves canned responses in order and records each request.
type recorder struct {
	mu        sync.Mutex
	requests  []request
	responses []func(w http.ResponseWriter)
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.requests = append(rec.requests, request{path: r.URL.Path, auth: r.Header.Get("Authorization")})
	if len(rec.responses) == 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	next := rec.responses[0]
	rec.responses = rec.responses[1:]
	next(w)
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(code) }
}

func body(s string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(s))
	}
}

func newTest(t *testing.T, responses ...func(w http.ResponseWriter)) (*huggingface, *recorder) {
	t.Helper()
	rec := &recorder{responses: responses}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return Init(srv.URL, nil, srv.Client(), zerolog.Nop()), rec
}

func input(key string) provider.Input {
	return provider.Input{
		Image:  provider.ImageFromBytes(pngData),
		Tone:   provider.Descriptive,
		Config: provider.Config{Provider: provider.ModelInference, APIKey: key},
	}
}

func TestCaptionFirstModel(t *testing.T) {
	hf, rec := newTest(t, body(`[{"generated_text":" a cat on a sofa "}]`))

	got, err := hf.Caption(t.Context(), input("hf_123"))
	require.NoError(t, err)
	assert.Equal(t, "a cat on a sofa", got)

	require.Len(t, rec.requests, 1)
	assert.Equal(t, "/models/"+DefaultModels[0], rec.requests[0].path)
	assert.Equal(t, "Bearer hf_123", rec.requests[0].auth)
}

func TestCaptionFallsThroughModels(t *testing.T) {
	hf, rec := newTest(t,
		status(http.StatusServiceUnavailable),
		status(http.StatusServiceUnavailable),
		status(http.StatusServiceUnavailable),
		body(`[{"generated_text":"a dog"}]`),
	)

	got, err := hf.Caption(t.Context(), input("hf_123"))
	require.NoError(t, err)
	assert.Equal(t, "a dog", got)

	require.Len(t, rec.requests, 4)
	for i, r := range rec.requests {
		assert.Equal(t, "/models/"+DefaultModels[i], r.path)
	}
}

func TestCaptionRetriesWithoutCredential(t *testing.T) {
	hf, rec := newTest(t,
		status(http.StatusUnauthorized),
		body(`{"generated_text":"a bird"}`),
	)

	got, err := hf.Caption(t.Context(), input("hf_bad"))
	require.NoError(t, err)
	assert.Equal(t, "a bird", got)

	require.Len(t, rec.requests, 2)
	assert.Equal(t, rec.requests[0].path, rec.requests[1].path)
	assert.Equal(t, "Bearer hf_bad", rec.requests[0].auth)
	assert.Empty(t, rec.requests[1].auth)
}

func TestCaptionWithoutCredential(t *testing.T) {
	hf, rec := newTest(t,
		status(http.StatusUnauthorized),
		body(`[{"generated_text":"a fish"}]`),
	)

	got, err := hf.Caption(t.Context(), input(""))
	require.NoError(t, err)
	assert.Equal(t, "a fish", got)

	// 401 without a credential moves on to the next model
	require.Len(t, rec.requests, 2)
	assert.Equal(t, "/models/"+DefaultModels[1], rec.requests[1].path)
	assert.Empty(t, rec.requests[0].auth)
}

func TestCaptionSkipsBadPayloads(t *testing.T) {
	hf, rec := newTest(t,
		body(`{"error":"weird"}`),
		body(`[{"generated_text":"   "}]`),
		body(`not json`),
		body(`"a horse"`),
	)

	got, err := hf.Caption(t.Context(), input("hf_123"))
	require.NoError(t, err)
	assert.Equal(t, "a horse", got)
	assert.Len(t, rec.requests, 4)
}

func TestCaptionExhausted(t *testing.T) {
	tests := []struct {
		name     string
		last     int
		contains string
	}{
		{"token", http.StatusUnauthorized, "check your API token"},
		{"not found", http.StatusNotFound, "try again in a few minutes"},
		{"loading", http.StatusServiceUnavailable, "check your internet connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hf, rec := newTest(t,
				status(http.StatusTooManyRequests),
				status(http.StatusServiceUnavailable),
				status(http.StatusInternalServerError),
				status(tt.last),
			)

			_, err := hf.Caption(t.Context(), input(""))
			require.Error(t, err)
			assert.Equal(t, provider.AllModelsExhausted, provider.CodeOf(err))
			assert.Contains(t, err.Error(), tt.contains)
			assert.True(t, strings.HasPrefix(err.Error(), "All Hugging Face models are currently unavailable."))
			assert.Len(t, rec.requests, 4)
		})
	}
}

func TestCaptionCustomModels(t *testing.T) {
	rec := &recorder{responses: []func(w http.ResponseWriter){body(`[{"generated_text":"a tree"}]`)}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	hf := Init(srv.URL+"/", []string{"org/model"}, srv.Client(), zerolog.Nop())
	got, err := hf.Caption(t.Context(), input(""))
	require.NoError(t, err)
	assert.Equal(t, "a tree", got)
	assert.Equal(t, "/models/org/model", rec.requests[0].path)
}

func TestCaptionInvalidImage(t *testing.T) {
	hf, rec := newTest(t)

	in := input("")
	in.Image = provider.ImageFromBytes([]byte("just some text"))
	_, err := hf.Caption(t.Context(), in)
	assert.Equal(t, provider.InvalidImageData, provider.CodeOf(err))
	assert.Empty(t, rec.requests)
}

func TestProbe(t *testing.T) {
	hf, _ := newTest(t, body(`[{"generated_text":"x"}]`))
	assert.NoError(t, hf.Probe(t.Context(), provider.Config{APIKey: "hf_1"}))

	hf, _ = newTest(t, status(http.StatusUnauthorized))
	assert.Equal(t, provider.InvalidCredential, provider.CodeOf(hf.Probe(t.Context(), provider.Config{APIKey: "hf_1"})))

	hf, rec := newTest(t)
	assert.Equal(t, provider.MissingCredential, provider.CodeOf(hf.Probe(t.Context(), provider.Config{})))
	assert.Empty(t, rec.requests)
}
