// Package model defines the data structures used throughout the promptloom service.
// These structures represent generation requests, composed prompts, generated assets,
// gallery records and caller-registered backends.
package model

import (
	"time"
)

// ModifierCategory identifies one optional prompt fragment.
// The numeric order is the fixed rendering order.
type ModifierCategory int

const (
	CategoryPlace ModifierCategory = iota
	CategoryArtStyle
	CategoryEffect
	CategoryExpression
	CategorySky
	CategoryWeather
	CategoryBackground
	CategoryNegativePrompt
)

// Categories lists every modifier category in rendering order.
var Categories = []ModifierCategory{
	CategoryPlace,
	CategoryArtStyle,
	CategoryEffect,
	CategoryExpression,
	CategorySky,
	CategoryWeather,
	CategoryBackground,
	CategoryNegativePrompt,
}

func (c ModifierCategory) String() string {
	switch c {
	case CategoryPlace:
		return "place"
	case CategoryArtStyle:
		return "artStyle"
	case CategoryEffect:
		return "effect"
	case CategoryExpression:
		return "expression"
	case CategorySky:
		return "sky"
	case CategoryWeather:
		return "weather"
	case CategoryBackground:
		return "background"
	case CategoryNegativePrompt:
		return "negativePrompt"
	}
	return "unknown"
}

// RichDescription is the free-text bundle attached to a style or effect preset.
// The four slots keep their order when rendered.
type RichDescription struct {
	Description string
	Primary     string // keywords for styles, visual impact for effects
	Secondary   string // inspiration for styles, technical details for effects
	Tertiary    string // characteristics for styles, use cases for effects
}

// StyleDetails is the wire form of an art style preset description.
type StyleDetails struct {
	Description     string `json:"description,omitempty"`
	Keywords        string `json:"keywords,omitempty"`
	Inspiration     string `json:"inspiration,omitempty"`
	Characteristics string `json:"characteristics,omitempty"`
}

// Rich converts the preset into its rendering slots.
func (d *StyleDetails) Rich() *RichDescription {
	if d == nil {
		return nil
	}
	return &RichDescription{Description: d.Description, Primary: d.Keywords, Secondary: d.Inspiration, Tertiary: d.Characteristics}
}

// EffectDetails is the wire form of an effect preset description.
type EffectDetails struct {
	Description      string `json:"description,omitempty"`
	VisualImpact     string `json:"visualImpact,omitempty"`
	TechnicalDetails string `json:"technicalDetails,omitempty"`
	UseCases         string `json:"useCases,omitempty"`
}

// Rich converts the preset into its rendering slots.
func (d *EffectDetails) Rich() *RichDescription {
	if d == nil {
		return nil
	}
	return &RichDescription{Description: d.Description, Primary: d.VisualImpact, Secondary: d.TechnicalDetails, Tertiary: d.UseCases}
}

// Modifiers holds the optional named prompt fragments of a request.
type Modifiers struct {
	Place           string         `json:"place,omitempty" validate:"max=200"`
	ArtStyle        string         `json:"artStyle,omitempty" validate:"max=100"`
	ArtStyleDetails *StyleDetails  `json:"artStyleDetails,omitempty"`
	Effect          string         `json:"effect,omitempty" validate:"max=100"`
	EffectDetails   *EffectDetails `json:"effectDetails,omitempty"`
	Expression      string         `json:"expression,omitempty" validate:"max=100"`
	Sky             string         `json:"sky,omitempty" validate:"max=100"`
	Weather         string         `json:"weather,omitempty" validate:"max=100"`
	Background      string         `json:"background,omitempty" validate:"max=200"`
	NegativePrompt  string         `json:"negativePrompt,omitempty" validate:"max=1000"`
}

// Value returns the literal value of a category.
func (m Modifiers) Value(c ModifierCategory) string {
	switch c {
	case CategoryPlace:
		return m.Place
	case CategoryArtStyle:
		return m.ArtStyle
	case CategoryEffect:
		return m.Effect
	case CategoryExpression:
		return m.Expression
	case CategorySky:
		return m.Sky
	case CategoryWeather:
		return m.Weather
	case CategoryBackground:
		return m.Background
	case CategoryNegativePrompt:
		return m.NegativePrompt
	}
	return ""
}

// GenerationRequest is a caller's description of the images to produce.
// It is passed by value and never mutated after submission.
type GenerationRequest struct {
	Prompt         string    `json:"prompt" validate:"required,max=4000"`
	Modifiers      Modifiers `json:"modifiers"`
	Backend        string    `json:"backend" validate:"required,max=128"`
	Count          int       `json:"count" validate:"omitempty,min=1"`
	Width          int       `json:"width" validate:"omitempty,min=64,max=2048"`
	Height         int       `json:"height" validate:"omitempty,min=64,max=2048"`
	Seed           *int64    `json:"seed,omitempty"` // nil means a random seed per image
	SessionID      string    `json:"sessionId,omitempty" validate:"max=128"`
	ShareToGallery bool      `json:"shareToGallery,omitempty"`
	Attribution    string    `json:"attribution,omitempty" validate:"max=64"`

	CallerID string `json:"-"`
}

// TrimStep names one prompt-shortening action.
type TrimStep string

const (
	TrimArtStyleDetails TrimStep = "artStyleDetails"
	TrimEffect          TrimStep = "effect"
	TrimExpression      TrimStep = "expression"
	TrimSky             TrimStep = "sky"
	TrimWeather         TrimStep = "weather"
	TrimBackground      TrimStep = "background"
	TrimPlace           TrimStep = "place"
	TrimNegativePrompt  TrimStep = "negativePrompt"
	TrimBasePrompt      TrimStep = "basePrompt"
	TrimForced          TrimStep = "forced"
)

// ComposedPrompt is the final prompt sent to a backend.
type ComposedPrompt struct {
	Text           string     `json:"text"`
	NegativePrompt string     `json:"negativePrompt,omitempty"` // set only while the negative segment survives
	ArtStyle       string     `json:"artStyle,omitempty"`
	Place          string     `json:"place,omitempty"`
	Altered        bool       `json:"altered"`
	Steps          []TrimStep `json:"steps,omitempty"`
	EncodedLength  int        `json:"encodedLength"`
}

// GeneratedImageAsset is one decoded image returned by a backend.
type GeneratedImageAsset struct {
	ID             string    `json:"id"` // <requestID>-<index>
	Index          int       `json:"index"`
	Data           []byte    `json:"data"`
	MimeType       string    `json:"mimeType"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Backend        string    `json:"backend"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negativePrompt,omitempty"`
	Seed           *int64    `json:"seed,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ItemError describes why a single image of a batch failed.
type ItemError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// ItemResult is streamed to the caller as each image of a batch settles.
type ItemResult struct {
	Index   int                  `json:"index"`
	Asset   *GeneratedImageAsset `json:"asset,omitempty"`
	Error   *ItemError           `json:"error,omitempty"`
	Gallery *GalleryShare        `json:"gallery,omitempty"`
}

// GalleryShare reports what happened when an image was shared to the gallery.
// A failed share never retracts the delivered asset.
type GalleryShare struct {
	RecordID string     `json:"recordId,omitempty"`
	Evicted  int        `json:"evicted,omitempty"`
	Error    *ItemError `json:"error,omitempty"`
}

// BatchOutcome classifies a finished batch.
type BatchOutcome string

const (
	OutcomeAllSucceeded BatchOutcome = "all_succeeded"
	OutcomePartial      BatchOutcome = "partial"
	OutcomeAllFailed    BatchOutcome = "all_failed"
)

// BatchSummary is the final record of a multi-image request.
type BatchSummary struct {
	RequestID string         `json:"requestId"`
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Failed    map[int]string `json:"failed,omitempty"` // index -> error code
	Outcome   BatchOutcome   `json:"outcome"`
	Notice    string         `json:"notice,omitempty"`
	Prompt    ComposedPrompt `json:"prompt"`
}

// GenerateResponse is the non-streaming body of a generation request.
type GenerateResponse struct {
	Items   []ItemResult `json:"items"`
	Summary BatchSummary `json:"summary"`
}
