// Package prompt builds caption instructions for prompt-driven providers and
// styles caption text after it comes back.
package prompt

import (
	"fmt"
	"strings"

	"github.com/chriskillpack/captioner/provider"
	"golang.org/x/text/language"
)

const (
	DefaultLanguage = "en"

	basePrompt   = "Generate a single caption for this image"
	promptSuffix = "Keep the caption concise but meaningful, suitable for social media use. Provide only one caption, not multiple options or variations."
)

var toneClauses = map[provider.Tone]string{
	provider.Funny:        " with a humorous and witty tone",
	provider.Professional: " with a professional and formal tone suitable for business use",
	provider.Descriptive:  " with detailed and descriptive language",
	provider.SEO:          " optimized for SEO with relevant keywords and hashtags",
}

const genericToneClause = " in a clear and engaging way"

var languageNames = map[string]string{
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"ar": "Arabic",
	"hi": "Hindi",
	"ru": "Russian",
}

// ToneClause returns the fragment BuildPrompt uses for tone.
func ToneClause(tone provider.Tone) string {
	if c, ok := toneClauses[tone]; ok {
		return c
	}
	return genericToneClause
}

// LanguageName resolves an ISO 639-1 code (optionally with a region, e.g.
// "pt-BR") to an English language name. Unknown codes are returned verbatim.
func LanguageName(code string) string {
	code = strings.TrimSpace(code)
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	if tag, err := language.Parse(code); err == nil {
		base, _ := tag.Base()
		if name, ok := languageNames[base.String()]; ok {
			return name
		}
	}
	return code
}

// IsDefaultLanguage reports whether code needs no language instruction.
func IsDefaultLanguage(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, DefaultLanguage) {
		return true
	}
	if tag, err := language.Parse(code); err == nil {
		base, _ := tag.Base()
		return base.String() == DefaultLanguage
	}
	return false
}

// BuildPrompt returns the instruction sent to prompt-driven providers. An
// empty keyword (after trimming) adds no keyword instruction.
func BuildPrompt(tone provider.Tone, lang, keyword string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString(ToneClause(tone))
	if !IsDefaultLanguage(lang) {
		sb.WriteString(" in ")
		sb.WriteString(LanguageName(lang))
	}
	sb.WriteString(". ")

	if kw := strings.TrimSpace(keyword); kw != "" {
		fmt.Fprintf(&sb, "Naturally weave the keyword %q into the body of the caption; do not simply add it at the beginning or the end. ", kw)
	}

	sb.WriteString(promptSuffix)
	return sb.String()
}
