// Package prompt builds the final prompt string sent to image backends.
//
// A prompt is the caller's base description followed by up to eight modifier
// segments rendered from fixed templates. When the percent-encoded result is
// longer than the configured ceiling, segments are shed in a fixed priority order
// and, as a last resort, the base description is cut at a word boundary.
package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/promptloom/promptloom-go/internal/model"
)

const (
	// DefaultCeiling is the maximum percent-encoded prompt length.
	DefaultCeiling = 1800

	separator = ", "
	ellipsis  = "..."

	// safetyRatio bounds the forced truncation applied when every trim step
	// still leaves the prompt over the ceiling.
	safetyRatio = 0.6
)

// Composer renders generation requests into bounded prompts.
type Composer struct {
	ceiling int
}

// NewComposer returns a Composer enforcing the given ceiling.
// A non-positive ceiling falls back to DefaultCeiling.
func NewComposer(ceiling int) *Composer {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Composer{ceiling: ceiling}
}

// Ceiling returns the enforced encoded-length limit.
func (c *Composer) Ceiling() int { return c.ceiling }

// candidate is the mutable working state while a prompt is being shortened.
type candidate struct {
	base      string
	segments  [8]string // indexed by model.ModifierCategory, empty means omitted
	styleFull string    // art style segment with its rich suffix
	styleRich bool
}

func (cd *candidate) text() string {
	var b strings.Builder
	b.WriteString(cd.base)
	for cat, seg := range cd.segments {
		if model.ModifierCategory(cat) == model.CategoryArtStyle && cd.styleRich {
			seg = cd.styleFull
		}
		if seg == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(separator)
		}
		b.WriteString(seg)
	}
	return b.String()
}

// dropper returns a trim action that removes one segment.
func dropper(cat model.ModifierCategory) func(*candidate) bool {
	return func(cd *candidate) bool {
		if cd.segments[cat] == "" {
			return false
		}
		cd.segments[cat] = ""
		return true
	}
}

type trimAction struct {
	step  model.TrimStep
	apply func(*candidate) bool
}

// trimOrder is the priority in which prompt content is given up.
var trimOrder = []trimAction{
	{model.TrimArtStyleDetails, func(cd *candidate) bool {
		if !cd.styleRich {
			return false
		}
		cd.styleRich = false
		return true
	}},
	{model.TrimEffect, dropper(model.CategoryEffect)},
	{model.TrimExpression, dropper(model.CategoryExpression)},
	{model.TrimSky, dropper(model.CategorySky)},
	{model.TrimWeather, dropper(model.CategoryWeather)},
	{model.TrimBackground, dropper(model.CategoryBackground)},
	{model.TrimPlace, dropper(model.CategoryPlace)},
	{model.TrimNegativePrompt, dropper(model.CategoryNegativePrompt)},
}

// Compose renders req into a prompt whose encoded length never exceeds the ceiling.
func (c *Composer) Compose(req model.GenerationRequest) model.ComposedPrompt {
	cd := &candidate{base: clean(req.Prompt)}
	for _, cat := range model.Categories {
		cd.segments[cat] = render(cat, clean(req.Modifiers.Value(cat)), nil)
	}
	if rich := req.Modifiers.ArtStyleDetails.Rich(); rich != nil && cd.segments[model.CategoryArtStyle] != "" {
		full := render(model.CategoryArtStyle, clean(req.Modifiers.ArtStyle), rich)
		if full != cd.segments[model.CategoryArtStyle] {
			cd.styleFull, cd.styleRich = full, true
		}
	}
	if rich := req.Modifiers.EffectDetails.Rich(); rich != nil && cd.segments[model.CategoryEffect] != "" {
		cd.segments[model.CategoryEffect] = render(model.CategoryEffect, clean(req.Modifiers.Effect), rich)
	}

	var steps []model.TrimStep
	text := cd.text()
	for _, action := range trimOrder {
		if EncodedLength(text) <= c.ceiling {
			break
		}
		if action.apply(cd) {
			steps = append(steps, action.step)
			text = cd.text()
		}
	}

	if EncodedLength(text) > c.ceiling {
		if shortened, ok := c.truncateBase(cd); ok {
			steps = append(steps, model.TrimBasePrompt)
			text = shortened
		}
	}

	if EncodedLength(text) > c.ceiling {
		text = truncateEncoded(text, int(float64(c.ceiling)*safetyRatio))
		steps = append(steps, model.TrimForced)
	}

	out := model.ComposedPrompt{
		Text:          text,
		Altered:       len(steps) > 0,
		Steps:         steps,
		EncodedLength: EncodedLength(text),
	}
	if cd.segments[model.CategoryNegativePrompt] != "" {
		out.NegativePrompt = clean(req.Modifiers.NegativePrompt)
	}
	if cd.segments[model.CategoryArtStyle] != "" {
		out.ArtStyle = clean(req.Modifiers.ArtStyle)
	}
	if cd.segments[model.CategoryPlace] != "" {
		out.Place = clean(req.Modifiers.Place)
	}
	return out
}

// truncateBase shortens the base description so the full candidate fits,
// cutting at the last whitespace and appending an ellipsis.
func (c *Composer) truncateBase(cd *candidate) (string, bool) {
	rest := (&candidate{segments: cd.segments, styleFull: cd.styleFull, styleRich: cd.styleRich}).text()
	overhead := EncodedLength(ellipsis)
	if rest != "" {
		overhead += EncodedLength(separator) + EncodedLength(rest)
	}
	budget := c.ceiling - overhead
	if budget <= 0 {
		return "", false
	}

	prefix := truncateEncoded(cd.base, budget)
	if prefix == cd.base {
		return "", false
	}
	if i := strings.LastIndexAny(prefix, " \t"); i > 0 {
		prefix = prefix[:i]
	}
	prefix = strings.TrimRight(prefix, " ,;:.-")
	if prefix == "" {
		return "", false
	}

	shortened := &candidate{base: prefix + ellipsis, segments: cd.segments, styleFull: cd.styleFull, styleRich: cd.styleRich}
	return shortened.text(), true
}

// truncateEncoded returns the longest rune prefix of s whose encoded length is at most limit.
func truncateEncoded(s string, limit int) string {
	n := 0
	for i, r := range s {
		w := encodedRuneLen(r)
		if n+w > limit {
			return s[:i]
		}
		n += w
	}
	return s
}

// EncodedLength returns the length of s after percent-encoding it the way a
// URL query component is encoded by browsers (encodeURIComponent).
func EncodedLength(s string) int {
	n := 0
	for _, r := range s {
		n += encodedRuneLen(r)
	}
	return n
}

func encodedRuneLen(r rune) int {
	if r < utf8.RuneSelf && unreserved(byte(r)) {
		return 1
	}
	if r == utf8.RuneError {
		return 9 // U+FFFD encodes as three bytes
	}
	return 3 * utf8.RuneLen(r)
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
