package prompt

import (
	"strings"
	"unicode"

	"github.com/promptloom/promptloom-go/internal/model"
)

// Per-field caps for rich description text, in runes.
const (
	descriptionCap = 240
	richFieldCap   = 120
)

// templates maps each category to its phrase; %s is replaced by the value.
var templates = map[model.ModifierCategory]string{
	model.CategoryPlace:          "in %s",
	model.CategoryArtStyle:       "%s style",
	model.CategoryEffect:         "with %s effect",
	model.CategoryExpression:     "with %s expression",
	model.CategorySky:            "under a %s sky",
	model.CategoryWeather:        "in %s weather",
	model.CategoryBackground:     "with %s background",
	model.CategoryNegativePrompt: "without %s",
}

// render returns the phrase for one category, or "" when value is empty.
func render(cat model.ModifierCategory, value string, rich *model.RichDescription) string {
	if value == "" {
		return ""
	}
	phrase := strings.Replace(templates[cat], "%s", value, 1)
	if suffix := richSuffix(rich); suffix != "" {
		phrase += " (" + suffix + ")"
	}
	return phrase
}

// richSuffix sanitizes and joins the non-empty fields of a rich description.
func richSuffix(rich *model.RichDescription) string {
	if rich == nil {
		return ""
	}
	fields := []string{
		Sanitize(rich.Description, descriptionCap),
		Sanitize(rich.Primary, richFieldCap),
		Sanitize(rich.Secondary, richFieldCap),
		Sanitize(rich.Tertiary, richFieldCap),
	}
	parts := fields[:0]
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, "; ")
}

// Sanitize strips control characters, collapses whitespace runs to a single
// space and hard-truncates the result to max runes.
func Sanitize(s string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	cleaned = collapse(cleaned)
	if max > 0 {
		runes := []rune(cleaned)
		if len(runes) > max {
			cleaned = strings.TrimSpace(string(runes[:max]))
		}
	}
	return cleaned
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clean sanitizes a plain modifier value without a length cap.
func clean(s string) string { return Sanitize(s, 0) }
