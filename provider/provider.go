package provider

import "context"

// Kind identifies a captioning backend. The values match the provider names
// stored in user settings.
type Kind string

const (
	// ModelInference posts the raw image to a hosted captioning model and
	// falls back through a list of models.
	ModelInference Kind = "huggingface"
	// ChatCompletion sends the prompt and the image to a vision chat model.
	ChatCompletion Kind = "openrouter"
	// LabelDetection asks an image labelling service for labels and templates
	// a sentence from them.
	LabelDetection Kind = "google"
	// Custom posts to a user supplied endpoint.
	Custom Kind = "custom"
)

// Kinds lists every supported provider kind.
var Kinds = []Kind{ModelInference, ChatCompletion, LabelDetection, Custom}

// Tone is a stylistic modifier for generated captions.
type Tone string

const (
	Descriptive  Tone = "descriptive"
	Funny        Tone = "funny"
	Professional Tone = "professional"
	SEO          Tone = "seo"
)

// DefaultMaxTokens is used when a Config does not set MaxTokens.
const DefaultMaxTokens = 300

// Config selects and configures a provider for one dispatch. It is read-only
// for the duration of a request.
type Config struct {
	Provider  Kind
	APIKey    string
	Endpoint  string // custom provider only
	ModelName string
	MaxTokens int
}

// Tokens returns MaxTokens or the default when unset.
func (c Config) Tokens() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

// Input is everything an adapter needs for one call.
type Input struct {
	Image   *Image
	Prompt  string
	Tone    Tone
	Keyword string // empty when the keyword feature is off
	Config  Config
}

// Provider turns an image into caption text.
type Provider interface {
	// Kind returns the provider kind this adapter serves.
	Kind() Kind

	// Caption performs the network call(s) for in and returns the caption
	// text. Failures are returned as *Error values. The provided ctx is used
	// as the parent context for every outgoing request.
	Caption(ctx context.Context, in Input) (string, error)
}
