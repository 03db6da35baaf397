// Package normalize extracts a single caption string from raw provider
// responses.
package normalize

import (
	"strings"

	"github.com/chriskillpack/captioner/provider"
	"github.com/tidwall/gjson"
)

// Normalize extracts the caption from payload, a raw JSON response body from
// a provider of the given kind. The result is trimmed and tone-agnostic.
//
// Model inference payloads may be a list of objects (the first element's
// generated_text or label is used), a single object with generated_text, or
// a bare JSON string. Chat completion payloads use the first choice's message
// content, with enumerated multi-caption answers reduced to one caption.
func Normalize(payload []byte, kind provider.Kind) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", provider.Errorf(provider.UnrecognizedFormat, "response from %s is not JSON", kind)
	}
	root := gjson.ParseBytes(payload)

	var (
		text string
		ok   bool
	)
	switch kind {
	case provider.ModelInference:
		text, ok = inferenceText(root)
	case provider.ChatCompletion:
		text, ok = chatText(root)
	default:
		return "", provider.Errorf(provider.UnrecognizedFormat, "no response format known for provider %q", kind)
	}
	if !ok {
		return "", provider.Errorf(provider.UnrecognizedFormat, "unexpected response format from %s", kind)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", provider.Errorf(provider.EmptyCaption, "empty caption from %s", kind)
	}

	if kind == provider.ChatCompletion {
		text = SingleCaption(text)
	}
	return text, nil
}

func inferenceText(root gjson.Result) (string, bool) {
	switch {
	case root.IsArray():
		first := root.Get("0")
		if !first.Exists() {
			return "", false
		}
		if first.Type == gjson.String {
			return first.String(), true
		}
		return objectText(first, "generated_text", "label")
	case root.IsObject():
		return objectText(root, "generated_text")
	case root.Type == gjson.String:
		return root.String(), true
	}
	return "", false
}

// objectText returns the first non-blank string field of obj among fields,
// falling back to a blank one so the caller can report an empty caption.
func objectText(obj gjson.Result, fields ...string) (string, bool) {
	var blank bool
	for _, f := range fields {
		v := obj.Get(f)
		if v.Type != gjson.String {
			continue
		}
		if strings.TrimSpace(v.String()) != "" {
			return v.String(), true
		}
		blank = true
	}
	return "", blank
}

func chatText(root gjson.Result) (string, bool) {
	content := root.Get("choices.0.message.content")
	if content.Type != gjson.String {
		return "", false
	}
	return content.String(), true
}
