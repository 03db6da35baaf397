package prompt

import (
	"fmt"
	"strings"

	"github.com/chriskillpack/captioner/provider"
)

// MaxLabels is the number of labels considered when templating.
const MaxLabels = 5

type bucket int

const (
	objectBucket bucket = iota
	sceneryBucket
	peopleBucket
)

var (
	sceneryWords = []string{"sky", "cloud", "sunset", "sunrise", "ocean", "mountain", "landscape", "nature"}
	peopleWords  = []string{"person", "human", "face", "smile", "portrait", "selfie", "group"}
)

// Templates per bucket and tone. The empty tone holds the descriptive
// default. %[1]s is the top label, %[2]s the joined label list.
var labelTemplates = map[bucket]map[provider.Tone]string{
	sceneryBucket: {
		provider.Professional: "A striking view of %[1]s, captured with a clear eye for natural composition.",
		provider.Funny:        "Mother Nature showing off again with this %[1]s. No filter needed! 🌄",
		provider.SEO:          "Stunning %[1]s photography capturing the beauty of nature.",
		"":                    "A beautiful natural scene featuring %[2]s.",
	},
	peopleBucket: {
		provider.Professional: "A professional portrait highlighting %[1]s.",
		provider.Funny:        "Caught in the act: %[1]s, clearly the main character here! 😄",
		provider.SEO:          "Authentic %[1]s photography full of genuine moments.",
		"":                    "A candid moment featuring %[2]s.",
	},
	objectBucket: {
		provider.Professional: "A detailed view of %[1]s, presented with clarity.",
		provider.Funny:        "Plot twist: it's %[1]s, and it is stealing the show! 😄",
		provider.SEO:          "High-quality %[1]s image for your next project.",
		"":                    "An image showing %[2]s.",
	},
}

// TemplateFromLabels turns detected labels (most confident first) into a
// caption sentence for tone. A non-empty keyword prefixes the result.
func TemplateFromLabels(labels []string, tone provider.Tone, keyword string) string {
	labels = cleanLabels(labels)
	if len(labels) == 0 {
		return ""
	}

	templates := labelTemplates[classify(labels[0])]
	tmpl, ok := templates[tone]
	if !ok {
		tmpl = templates[""]
	}

	sentence := fmt.Sprintf(tmpl, labels[0], joinLabels(labels))
	if tone == provider.SEO {
		sentence += " " + Hashtags(labels)
	}

	if kw := strings.TrimSpace(keyword); kw != "" {
		sentence = kw + ": " + sentence
	}
	return sentence
}

// Hashtags builds "#label" tags for labels, lowercased with spaces removed.
func Hashtags(labels []string) string {
	seen := make(map[string]bool, len(labels))
	tags := make([]string, 0, len(labels))
	for _, l := range labels {
		tag := strings.ToLower(strings.Join(strings.Fields(l), ""))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, "#"+tag)
	}
	return strings.Join(tags, " ")
}

func classify(top string) bucket {
	top = strings.ToLower(top)
	for _, w := range sceneryWords {
		if strings.Contains(top, w) {
			return sceneryBucket
		}
	}
	for _, w := range peopleWords {
		if strings.Contains(top, w) {
			return peopleBucket
		}
	}
	return objectBucket
}

func cleanLabels(labels []string) []string {
	out := make([]string, 0, min(len(labels), MaxLabels))
	for _, l := range labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			out = append(out, l)
		}
		if len(out) == MaxLabels {
			break
		}
	}
	return out
}

// joinLabels renders "a", "a and b" or "a, b and c".
func joinLabels(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
}
