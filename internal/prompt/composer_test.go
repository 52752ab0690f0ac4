package prompt

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom-go/internal/model"
)

func fullRequest() model.GenerationRequest {
	return model.GenerationRequest{
		Prompt: "a red fox",
		Modifiers: model.Modifiers{
			Place:          "a misty forest",
			ArtStyle:       "anime",
			Effect:         "bokeh",
			Expression:     "curious",
			Sky:            "starry",
			Weather:        "foggy",
			Background:     "pine",
			NegativePrompt: "blur",
		},
	}
}

func TestComposeRendersInFixedOrder(t *testing.T) {
	got := NewComposer(DefaultCeiling).Compose(fullRequest())

	want := "a red fox, in a misty forest, anime style, with bokeh effect, with curious expression, " +
		"under a starry sky, in foggy weather, with pine background, without blur"
	assert.Equal(t, want, got.Text)
	assert.False(t, got.Altered)
	assert.Empty(t, got.Steps)
	assert.Equal(t, "blur", got.NegativePrompt)
	assert.Equal(t, "anime", got.ArtStyle)
	assert.Equal(t, EncodedLength(want), got.EncodedLength)
}

func TestComposeOmitsEmptyModifiers(t *testing.T) {
	req := model.GenerationRequest{Prompt: "a red fox", Modifiers: model.Modifiers{ArtStyle: "anime"}}
	got := NewComposer(DefaultCeiling).Compose(req)
	assert.Equal(t, "a red fox, anime style", got.Text)
}

func TestComposeRichSuffix(t *testing.T) {
	req := model.GenerationRequest{
		Prompt: "a red fox",
		Modifiers: model.Modifiers{
			ArtStyle: "anime",
			ArtStyleDetails: &model.StyleDetails{
				Description:     "Bold\nlines  and\tflat colour\x07",
				Keywords:        "cel shading",
				Characteristics: "vibrant",
			},
			Effect:        "glow",
			EffectDetails: &model.EffectDetails{VisualImpact: "soft halo"},
		},
	}
	got := NewComposer(DefaultCeiling).Compose(req)
	assert.Equal(t, "a red fox, anime style (Bold lines and flat colour; cel shading; vibrant), with glow effect (soft halo)", got.Text)
}

func TestSanitizeCapsFields(t *testing.T) {
	long := strings.Repeat("x", 500)
	assert.Len(t, []rune(Sanitize(long, descriptionCap)), descriptionCap)
	assert.Equal(t, "a b c", Sanitize("  a\r\n b \u0000c ", 0))
}

// Shrinking the ceiling one character at a time must shed content strictly in
// priority order.
func TestTrimPriorityIsDeterministic(t *testing.T) {
	req := fullRequest()
	req.Modifiers.ArtStyleDetails = &model.StyleDetails{Description: "clean linework"}
	order := []model.TrimStep{
		model.TrimArtStyleDetails,
		model.TrimEffect,
		model.TrimExpression,
		model.TrimSky,
		model.TrimWeather,
		model.TrimBackground,
		model.TrimPlace,
		model.TrimNegativePrompt,
	}

	full := NewComposer(DefaultCeiling).Compose(req)
	require.False(t, full.Altered)

	for ceiling := full.EncodedLength; ceiling > 40; ceiling-- {
		got := NewComposer(ceiling).Compose(req)
		require.LessOrEqual(t, got.EncodedLength, ceiling)

		steps := got.Steps
		for len(steps) > 0 && (steps[len(steps)-1] == model.TrimBasePrompt || steps[len(steps)-1] == model.TrimForced) {
			steps = steps[:len(steps)-1]
		}
		if len(steps) == 0 {
			assert.False(t, got.Altered, "ceiling %d", ceiling)
			continue
		}
		require.LessOrEqual(t, len(steps), len(order))
		assert.Equal(t, order[:len(steps)], steps, "ceiling %d", ceiling)
	}
}

func TestExactlyOneStepDropsEffectFirst(t *testing.T) {
	req := fullRequest()
	full := NewComposer(DefaultCeiling).Compose(req)

	got := NewComposer(full.EncodedLength - 1).Compose(req)
	assert.Equal(t, []model.TrimStep{model.TrimEffect}, got.Steps)
	assert.True(t, got.Altered)
	assert.NotContains(t, got.Text, "bokeh")
	assert.Contains(t, got.Text, "curious expression")
}

func TestTruncatesBaseAtWordBoundary(t *testing.T) {
	base := "the quick brown fox jumps over the lazy dog near the river bank"
	req := model.GenerationRequest{Prompt: base, Modifiers: model.Modifiers{ArtStyle: "anime"}}

	got := NewComposer(40).Compose(req)
	assert.Equal(t, "the quick..., anime style", got.Text)
	assert.Equal(t, []model.TrimStep{model.TrimBasePrompt}, got.Steps)
	assert.LessOrEqual(t, got.EncodedLength, 40)
}

func TestSafetyNetForcesTruncation(t *testing.T) {
	req := model.GenerationRequest{Prompt: "a red fox in the snow", Modifiers: model.Modifiers{ArtStyle: "anime"}}
	got := NewComposer(10).Compose(req)

	assert.True(t, got.Altered)
	assert.Equal(t, model.TrimForced, got.Steps[len(got.Steps)-1])
	assert.LessOrEqual(t, got.EncodedLength, 6)
}

func TestComposedLengthNeverExceedsCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abcdefghijklmnop qrstuvwxyz,.!éü漢字🦊\n\t")
	randomText := func(n int) string {
		out := make([]rune, n)
		for i := range out {
			out[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(out)
	}

	c := NewComposer(DefaultCeiling)
	for i := 0; i < 200; i++ {
		req := model.GenerationRequest{
			Prompt: randomText(rng.Intn(3000) + 1),
			Modifiers: model.Modifiers{
				Place:           randomText(rng.Intn(200)),
				ArtStyle:        randomText(rng.Intn(100)),
				ArtStyleDetails: &model.StyleDetails{Description: randomText(rng.Intn(600))},
				Effect:          randomText(rng.Intn(100)),
				Sky:             randomText(rng.Intn(100)),
				NegativePrompt:  randomText(rng.Intn(500)),
			},
		}
		got := c.Compose(req)
		require.LessOrEqual(t, got.EncodedLength, DefaultCeiling)
		require.Equal(t, EncodedLength(got.Text), got.EncodedLength)
	}
}

func TestEncodedLength(t *testing.T) {
	tests := map[string]int{
		"abc":    3,
		"a b":    5,
		"a,b":    5,
		"(it's)": 6,
		"é":      6,
		"🦊":      12,
		"":       0,
	}
	for in, want := range tests {
		assert.Equal(t, want, EncodedLength(in), in)
	}
}
