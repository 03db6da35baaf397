package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/internal/cache"
	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

var pngDataURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)

// newUpstream fakes the caption providers under one server.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"generated_text":"a cat on a sofa"}]`)
	})
	mux.HandleFunc("/or/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"No auth credentials found","code":401}}`)
			return
		}
		io.WriteString(w, `{"id":"gen-1","object":"chat.completion","created":1,"model":"m",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"a dog in the park"}}]}`)
	})
	mux.HandleFunc("/custom", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"caption":"a custom caption"}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestApp(t *testing.T) (*app, string) {
	t.Helper()
	up := newUpstream(t)

	cp, err := captioner.Init(captioner.InitOptions{
		HuggingFaceURL: up.URL,
		OpenRouterURL:  up.URL + "/or/",
		VisionURL:      up.URL + "/gv/",
		Cache:          cache.NewMemory(time.Hour),
		HttpClient:     up.Client(),
	})
	require.NoError(t, err)

	db, err := captioner.NewDB(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	cfg := &Config{}
	cfg.Batch.Concurrency = 2
	return &app{
		cfg:    cfg,
		db:     db,
		cp:     cp,
		tabs:   captioner.NewRegistry(),
		logger: zerolog.Nop(),
	}, up.URL
}

type testServer struct {
	*httptest.Server
	app      *app
	upstream string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	a, upstream := newTestApp(t)
	srv := NewServer(a, "")
	srv.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	ts := httptest.NewServer(srv.serveHandler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, app: a, upstream: upstream}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) putSettings(t *testing.T, body string) {
	t.Helper()
	resp, data := ts.do(t, http.MethodPut, "/settings", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
}

func decodeError(t *testing.T, data []byte) (msg, code string) {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return body["error"], body["code"]
}

func TestServeCaption(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodPost, "/caption", `{"imageData":"`+pngDataURL+`","pageUrl":"https://example.com/post"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var cr captionResponse
	require.NoError(t, json.Unmarshal(data, &cr))
	assert.Equal(t, "a cat on a sofa", cr.Caption)
	assert.Equal(t, provider.ModelInference, cr.Provider)
	assert.Equal(t, provider.Descriptive, cr.Tone)
	assert.Equal(t, "en", cr.Language)
	assert.NotZero(t, cr.Timestamp)

	resp, data = ts.do(t, http.MethodPost, "/caption", `{"imageData":"`+base64.StdEncoding.EncodeToString(pngData)+`","tone":"funny"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &cr))
	assert.Equal(t, "a cat on a sofa 😄", cr.Caption)

	entries, err := ts.app.db.History(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a cat on a sofa 😄", entries[0].Caption)
	assert.Empty(t, entries[0].ImageURL)
	assert.Equal(t, pngDataURL, entries[1].ImageURL)
	assert.Equal(t, "https://example.com/post", entries[1].PageURL)
	assert.Equal(t, provider.ModelInference, entries[1].Provider)
}

func TestServeCaptionNoHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.putSettings(t, `{"saveHistory":false}`)

	resp, data := ts.do(t, http.MethodPost, "/caption", `{"imageData":"`+pngDataURL+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	entries, err := ts.app.db.History(t.Context())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServeCaptionErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		settings string
		body     string
		status   int
		code     provider.Code
	}{
		{"malformed body", "", `{"imageData":`, http.StatusBadRequest, provider.BadRequest},
		{"no image", "", `{}`, http.StatusBadRequest, provider.InvalidImageData},
		{"bad base64", "", `{"imageData":"!!!"}`, http.StatusBadRequest, provider.InvalidImageData},
		{"missing key", `{"provider":"openrouter"}`, `{"imageData":"` + pngDataURL + `"}`, http.StatusBadRequest, provider.MissingCredential},
		{"bad key", `{"provider":"openrouter","apiKey":"bad"}`, `{"imageData":"` + pngDataURL + `"}`, http.StatusUnauthorized, provider.InvalidCredential},
		{"missing endpoint", `{"provider":"custom"}`, `{"imageData":"` + pngDataURL + `"}`, http.StatusBadRequest, provider.MissingEndpoint},
		{"unknown provider", `{"provider":"azure"}`, `{"imageData":"` + pngDataURL + `"}`, http.StatusBadRequest, provider.UnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.settings != "" {
				ts.putSettings(t, tt.settings)
			}
			resp, data := ts.do(t, http.MethodPost, "/caption", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
			msg, code := decodeError(t, data)
			assert.Equal(t, string(tt.code), code)
			assert.NotEmpty(t, msg)
		})
	}

	entries, err := ts.app.db.History(t.Context())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServeCaptionChatCompletion(t *testing.T) {
	ts := newTestServer(t)
	ts.putSettings(t, `{"provider":"openrouter","apiKey":"good","tone":"seo"}`)

	resp, data := ts.do(t, http.MethodPost, "/caption", `{"imageUrl":"`+pngDataURL+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var cr captionResponse
	require.NoError(t, json.Unmarshal(data, &cr))
	assert.Equal(t, "a dog in the park #photography #image", cr.Caption)
	assert.Equal(t, provider.ChatCompletion, cr.Provider)
}

func TestStatusOf(t *testing.T) {
	tests := map[provider.Code]int{
		provider.MissingCredential:   http.StatusBadRequest,
		provider.InvalidImageData:    http.StatusBadRequest,
		provider.InvalidCredential:   http.StatusUnauthorized,
		provider.InsufficientCredits: http.StatusPaymentRequired,
		provider.AccessDenied:        http.StatusForbidden,
		provider.RateLimited:         http.StatusTooManyRequests,
		provider.AllModelsExhausted:  http.StatusBadGateway,
		provider.UpstreamFailure:     http.StatusBadGateway,
		provider.EmptyCaption:        http.StatusInternalServerError,
		"":                           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusOf(code), code)
	}
}

func TestServeHistory(t *testing.T) {
	ts := newTestServer(t)
	for _, c := range []string{"Beach at noon", "City lights", "beach umbrella"} {
		_, err := ts.app.db.AddHistory(t.Context(), captioner.HistoryEntry{Caption: c, Tone: provider.Descriptive, Language: "en"})
		require.NoError(t, err)
	}

	resp, data := ts.do(t, http.MethodGet, "/history?q=BEACH", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []captioner.HistoryEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "beach umbrella", entries[0].Caption)

	resp, data = ts.do(t, http.MethodGet, "/history/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"today":0,"total":3}`, string(data))

	resp, data = ts.do(t, http.MethodGet, "/history/export?format=csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="image-captions-2025-03-01.csv"`, resp.Header.Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Timestamp,Image URL,Caption,Tone,Language,Page URL", lines[0])

	resp, data = ts.do(t, http.MethodGet, "/history/export?format=json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="image-captions-2025-03-01.json"`, resp.Header.Get("Content-Disposition"))
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 3)

	resp, _ = ts.do(t, http.MethodGet, "/history/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/history", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, data = ts.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(data))
}

func TestServeSettings(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st captioner.Settings
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, captioner.DefaultSettings(), st)

	ts.putSettings(t, `{"provider":"google","apiKey":"AIza","tone":"professional"}`)
	got, err := ts.app.db.Settings(t.Context())
	require.NoError(t, err)
	assert.Equal(t, provider.LabelDetection, got.Provider)
	assert.Equal(t, provider.Professional, got.Tone)
	assert.Equal(t, 300, got.MaxTokens)

	resp, _ = ts.do(t, http.MethodPut, "/settings", `{"maxTokens":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = ts.do(t, http.MethodGet, "/settings/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="ai-caption-generator-settings-2025-03-01.json"`, resp.Header.Get("Content-Disposition"))
	snap := string(data)
	assert.Contains(t, snap, `"captionHistory": []`)

	resp, data = ts.do(t, http.MethodPost, "/settings/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, captioner.ResetDefaults(), st)

	resp, _ = ts.do(t, http.MethodPost, "/settings/import", snap)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	got, err = ts.app.db.Settings(t.Context())
	require.NoError(t, err)
	assert.Equal(t, provider.LabelDetection, got.Provider)
	assert.Equal(t, "AIza", got.APIKey)

	resp, data = ts.do(t, http.MethodPost, "/settings/import", `"nope"`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	msg, _ := decodeError(t, data)
	assert.Equal(t, "invalid settings file format", msg)
}

func TestServeTestConnection(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodPost, "/settings/test", `{"provider":"custom","customEndpoint":"`+ts.upstream+`/custom"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.JSONEq(t, `{"success":true}`, string(data))

	// legacy endpoint key
	resp, data = ts.do(t, http.MethodPost, "/settings/test", `{"provider":"custom","endpoint":"`+ts.upstream+`/custom"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.JSONEq(t, `{"success":true}`, string(data))

	resp, data = ts.do(t, http.MethodPost, "/settings/test", `{"maxTokens":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, code := decodeError(t, data)
	assert.Equal(t, string(provider.BadRequest), code)

	resp, data = ts.do(t, http.MethodPost, "/settings/test", `{"provider":"custom"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, code = decodeError(t, data)
	assert.Equal(t, string(provider.MissingEndpoint), code)

	resp, data = ts.do(t, http.MethodPost, "/settings/test", `{"provider":"openrouter","apiKey":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	msg, code := decodeError(t, data)
	assert.Equal(t, string(provider.InvalidCredential), code)
	assert.Equal(t, "Invalid API key or expired token", msg)

	// Testing must not have saved anything
	st, err := ts.app.db.Settings(t.Context())
	require.NoError(t, err)
	assert.Equal(t, captioner.DefaultSettings(), st)
}

func TestServeAttachTab(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct {
		tab  string
		want string
	}{
		{"17", `{"attached":true}`},
		{"17", `{"attached":false}`},
		{"18", `{"attached":true}`},
	} {
		resp, data := ts.do(t, http.MethodPost, "/tabs/"+tc.tab+"/attach", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, tc.want, string(data))
	}
}

func TestServeDetachTab(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/tabs/17", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"attached":false}`, string(data))

	resp, _ = ts.do(t, http.MethodPost, "/tabs/17/attach", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data = ts.do(t, http.MethodGet, "/tabs/17", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"attached":true}`, string(data))

	resp, _ = ts.do(t, http.MethodDelete, "/tabs/17", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, data = ts.do(t, http.MethodGet, "/tabs/17", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"attached":false}`, string(data))

	// a detached tab attaches again
	resp, data = ts.do(t, http.MethodPost, "/tabs/17/attach", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"attached":true}`, string(data))

	// detaching an unknown tab is fine
	resp, _ = ts.do(t, http.MethodDelete, "/tabs/99", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRunServe(t *testing.T) {
	a, _ := newTestApp(t)
	a.cfg.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.runServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServeListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	a, _ := newTestApp(t)
	a.cfg.Listen = ln.Addr().String()
	assert.Error(t, a.runServe(t.Context()))
}

func TestServeHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(data))
}
