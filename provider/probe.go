package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Prober is implemented by providers that can verify credentials and
// reachability without captioning an image.
type Prober interface {
	Probe(ctx context.Context, cfg Config) error
}

// ProbeStatus classifies the HTTP status of a probe request. It returns nil
// for 2xx statuses. body is the raw response body and may be nil.
func ProbeStatus(kind Kind, status int, body []byte) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized:
		return &Error{Code: InvalidCredential, Status: status, Message: "Invalid API key or expired token"}
	case status == http.StatusPaymentRequired:
		return &Error{Code: InsufficientCredits, Status: status, Message: "Insufficient credits"}
	case status == http.StatusTooManyRequests:
		return &Error{Code: RateLimited, Status: status, Message: "Rate limit exceeded - please wait and try again"}
	case status == http.StatusNotFound && kind == ChatCompletion:
		return &Error{Code: UpstreamFailure, Status: status, Message: "Model not found - check model name in settings"}
	case status == http.StatusNotFound:
		return &Error{Code: UpstreamFailure, Status: status, Message: "API endpoint not found"}
	}

	msg := fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		for _, path := range []string{"error.message", "message", "error"} {
			if v := root.Get(path); v.Type == gjson.String && v.String() != "" {
				msg = v.String()
				break
			}
		}
	}
	return &Error{Code: UpstreamFailure, Status: status, Message: msg}
}
