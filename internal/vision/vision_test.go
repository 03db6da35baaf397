package vision

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chriskillpack/captioner/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

const labelsResponse = `{"responses":[{"labelAnnotations":[
	{"description":"Mountain","score":0.98},
	{"description":"Snow","score":0.95},
	{"description":"Sky","score":0.9}
]}]}`

type captured struct {
	path string
	key  string
	body []byte
}

func newTest(t *testing.T, status int, resp string) (*vision, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		c.key = r.Header.Get("X-Goog-Api-Key")
		c.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return Init(srv.URL, srv.Client(), zerolog.Nop()), c
}

func input(key string, tone provider.Tone) provider.Input {
	return provider.Input{
		Image:  provider.ImageFromBytes(pngData),
		Tone:   tone,
		Config: provider.Config{Provider: provider.LabelDetection, APIKey: key},
	}
}

func TestLabels(t *testing.T) {
	v, c := newTest(t, http.StatusOK, labelsResponse)

	labels, err := v.Labels(t.Context(), provider.ImageFromBytes(pngData), "AIza-test")
	require.NoError(t, err)
	assert.Equal(t, []string{"Mountain", "Snow", "Sky"}, labels)

	assert.Equal(t, "/v1/images:annotate", c.path)
	assert.Equal(t, "AIza-test", c.key)
	req := gjson.ParseBytes(c.body)
	assert.Equal(t, "LABEL_DETECTION", req.Get("requests.0.features.0.type").String())
	assert.Equal(t, int64(5), req.Get("requests.0.features.0.maxResults").Int())
	assert.NotEmpty(t, req.Get("requests.0.image.content").String())
}

func TestCaption(t *testing.T) {
	v, _ := newTest(t, http.StatusOK, labelsResponse)

	got, err := v.Caption(t.Context(), input("AIza-test", provider.Descriptive))
	require.NoError(t, err)
	assert.Equal(t, "A beautiful natural scene featuring mountain, snow and sky.", got)
}

func TestCaptionNoLabels(t *testing.T) {
	for _, resp := range []string{`{"responses":[{}]}`, `{"responses":[]}`} {
		v, _ := newTest(t, http.StatusOK, resp)
		_, err := v.Caption(t.Context(), input("AIza-test", provider.Descriptive))
		assert.Equal(t, provider.NoLabelsDetected, provider.CodeOf(err))
	}
}

func TestCaptionErrors(t *testing.T) {
	tests := []struct {
		status int
		code   provider.Code
	}{
		{http.StatusBadRequest, provider.BadRequest},
		{http.StatusUnauthorized, provider.InvalidCredential},
		{http.StatusForbidden, provider.AccessDenied},
		{http.StatusTooManyRequests, provider.RateLimited},
		{http.StatusInternalServerError, provider.UpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			v, _ := newTest(t, tt.status, fmt.Sprintf(`{"error":{"code":%d,"message":"nope","status":"X"}}`, tt.status))

			_, err := v.Caption(t.Context(), input("AIza-test", provider.Descriptive))
			require.Error(t, err)
			assert.Equal(t, tt.code, provider.CodeOf(err))
		})
	}
}

func TestCaptionMissingKey(t *testing.T) {
	v, c := newTest(t, http.StatusOK, labelsResponse)

	_, err := v.Caption(t.Context(), input("", provider.Descriptive))
	assert.Equal(t, provider.MissingCredential, provider.CodeOf(err))
	assert.Empty(t, c.path)
}

func TestProbe(t *testing.T) {
	v, _ := newTest(t, http.StatusOK, `{"responses":[{}]}`)
	assert.NoError(t, v.Probe(t.Context(), provider.Config{APIKey: "AIza-test"}))

	v, _ = newTest(t, http.StatusForbidden, `{"error":{"code":403,"message":"API not enabled"}}`)
	assert.EqualError(t, v.Probe(t.Context(), provider.Config{APIKey: "AIza-test"}), "API not enabled")
}
