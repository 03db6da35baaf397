package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Words that introduce an enumerated alternative, in English, Spanish,
// Portuguese, French and Italian.
const optionWords = `option|opción|opcion|opção|opcao|opzione|choice|choix|elección|eleccion|escolha|scelta|` +
	`version|versión|versao|versão|versione|variant|variante`

// Words a model may put in front of a caption line.
const prefixWords = optionWords + `|caption|alternative|here|leyenda|subtítulo|subtitulo|título|titulo|` +
	`legenda|légende|legende|didascalia|titolo`

const minCaptionLen = 15

var (
	multiOptionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:` + optionWords + `)\s*#?\s*\d`),
		regexp.MustCompile(`(?m)^\s*\d+\s*[.):]`),
		regexp.MustCompile(`\*\*\s*\d`),
		regexp.MustCompile(`(?i)^\s*here are|different captions|multiple options`),
	}

	separatorRe = regexp.MustCompile(`(?i)(?:\*\*\s*)?(?:` + optionWords + `)\s*#?\s*\d+|\*\*\s*\d+|(?:^|\s)\d{1,2}[.):]\s`)

	leadingJunkRe   = regexp.MustCompile(`^[\s*_#>"'“”‘’•·\-–—]+`)
	leadingNumberRe = regexp.MustCompile(`^\d+\s*[.):\-–—]\s*`)
	leadingPrefixRe = regexp.MustCompile(`(?i)^(?:` + prefixWords + `)\s*#?\s*(?:\d+\s*[:.)\-–—]?|[:\-–—])\s*`)

	metaWords = []string{"option", "choice", "caption", "here are"}
)

// IsMultiOption reports whether text looks like a list of alternative
// captions rather than a single one.
func IsMultiOption(text string) bool {
	for _, re := range multiOptionPatterns {
		if re.MatchString(text) {
			return true
		}
	}

	var lines int
	for l := range strings.SplitSeq(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	return lines > 2
}

// SingleCaption reduces a multi-option answer to its first usable caption.
// Text that does not look like a list, or in which no line qualifies, is
// returned unchanged.
func SingleCaption(text string) string {
	if !IsMultiOption(text) {
		return text
	}

	// Start a new line at every separator so each alternative keeps its label
	split := separatorRe.ReplaceAllStringFunc(text, func(m string) string {
		return "\n" + strings.TrimLeft(m, " \t\r\n")
	})

	for line := range strings.SplitSeq(split, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) <= minCaptionLen {
			continue
		}
		c := stripPrefixes(line)
		if c == "" || hasMetaWord(c) {
			continue
		}
		return c
	}

	return text
}

func stripPrefixes(s string) string {
	for {
		before := s
		s = leadingJunkRe.ReplaceAllString(s, "")
		s = leadingNumberRe.ReplaceAllString(s, "")
		s = leadingPrefixRe.ReplaceAllString(s, "")
		if s == before {
			break
		}
	}
	return strings.TrimRight(s, " \t*\"“”")
}

func hasMetaWord(s string) bool {
	s = strings.ToLower(s)
	for _, w := range metaWords {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
