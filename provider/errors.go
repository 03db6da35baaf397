package provider

import (
	"errors"
	"fmt"
)

// Code classifies a caption failure.
type Code string

const (
	MissingCredential   Code = "missing_credential"
	MissingEndpoint     Code = "missing_endpoint"
	InvalidCredential   Code = "invalid_credential"
	AccessDenied        Code = "access_denied"
	RateLimited         Code = "rate_limited"
	InsufficientCredits Code = "insufficient_credits"
	BadRequest          Code = "bad_request"
	InvalidImageData    Code = "invalid_image_data"
	NoLabelsDetected    Code = "no_labels_detected"
	UnrecognizedFormat  Code = "unrecognized_format"
	EmptyCaption        Code = "empty_caption"
	AllModelsExhausted  Code = "all_models_exhausted"
	UnknownProvider     Code = "unknown_provider"
	NetworkFailure      Code = "network_failure"
	// UpstreamFailure is any other non-2xx answer from a provider. Status and
	// the response body are kept on the Error.
	UpstreamFailure Code = "upstream_failure"
)

// Error is a classified provider failure.
type Error struct {
	Code    Code
	Status  int // HTTP status, 0 when no response was received
	Message string
	Err     error
}

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the Code of the first *Error in err's chain, or the empty
// Code if there is none.
func CodeOf(err error) Code {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
