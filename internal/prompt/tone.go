package prompt

import (
	"unicode"
	"unicode/utf8"

	"github.com/chriskillpack/captioner/provider"
)

const (
	funnySuffix = " 😄"
	seoSuffix   = " #photography #image"
)

// ApplyTone styles a caption for tone. It is not idempotent: applying
// Professional twice appends two periods.
func ApplyTone(caption string, tone provider.Tone) string {
	switch tone {
	case provider.Funny:
		return caption + funnySuffix
	case provider.Professional:
		return capitalize(caption) + "."
	case provider.SEO:
		return caption + seoSuffix
	default:
		return caption
	}
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
