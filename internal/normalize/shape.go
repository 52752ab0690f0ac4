package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Shape is where a JSON response body carried its image payload.
// Exactly one of the concrete types below implements it; decodeShape probes
// them in the order they are declared.
type Shape interface {
	// Payload returns the raw string found at the shape's location.
	Payload() string
	shape()
}

// NestedImage is {"data": {"image": "..."}} or {"data": "..."}.
type NestedImage struct{ Value string }

// NestedURL is {"data": {"url": "..."}}.
type NestedURL struct{ Value string }

// NestedB64 is {"data": {"b64_json": "..."}}.
type NestedB64 struct{ Value string }

// ListItem is {"data": [{"url": "..."} | {"b64_json": "..."}]}, first element only.
type ListItem struct{ Value string }

// TopImage is {"image": "..."}.
type TopImage struct{ Value string }

// TopURL is {"url": "..."}.
type TopURL struct{ Value string }

// TopB64 is {"b64_json": "..."}.
type TopB64 struct{ Value string }

// BareString is a body that is itself a JSON string.
type BareString struct{ Value string }

func (s NestedImage) Payload() string { return s.Value }
func (s NestedURL) Payload() string   { return s.Value }
func (s NestedB64) Payload() string   { return s.Value }
func (s ListItem) Payload() string    { return s.Value }
func (s TopImage) Payload() string    { return s.Value }
func (s TopURL) Payload() string      { return s.Value }
func (s TopB64) Payload() string      { return s.Value }
func (s BareString) Payload() string  { return s.Value }

func (NestedImage) shape() {}
func (NestedURL) shape()   {}
func (NestedB64) shape()   {}
func (ListItem) shape()    {}
func (TopImage) shape()    {}
func (TopURL) shape()      {}
func (TopB64) shape()      {}
func (BareString) shape()  {}

var (
	errNoPayload = errors.New("no image payload")
	errNotJSON   = errors.New("response body is not JSON")
)

type imageFields struct {
	Image json.RawMessage `json:"image"`
	URL   json.RawMessage `json:"url"`
	B64   json.RawMessage `json:"b64_json"`
}

// decodeShape finds the image payload in a JSON body. The first non-empty
// string location wins.
func decodeShape(body []byte) (Shape, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errNoPayload
	}
	if !json.Valid(body) {
		return nil, errNotJSON
	}
	if body[0] == '"' {
		if s := str(body); s != "" {
			return BareString{s}, nil
		}
		return nil, errNoPayload
	}

	var env struct {
		Data json.RawMessage `json:"data"`
		imageFields
	}
	if body[0] != '{' || json.Unmarshal(body, &env) != nil {
		return nil, errNoPayload
	}

	if len(env.Data) > 0 {
		switch env.Data[0] {
		case '{':
			var nested imageFields
			if json.Unmarshal(env.Data, &nested) == nil {
				if s := str(nested.Image); s != "" {
					return NestedImage{s}, nil
				}
				if s := str(nested.URL); s != "" {
					return NestedURL{s}, nil
				}
				if s := str(nested.B64); s != "" {
					return NestedB64{s}, nil
				}
			}
		case '[':
			var list []imageFields
			if json.Unmarshal(env.Data, &list) == nil && len(list) > 0 {
				for _, raw := range []json.RawMessage{list[0].URL, list[0].B64, list[0].Image} {
					if s := str(raw); s != "" {
						return ListItem{s}, nil
					}
				}
			}
		case '"':
			if s := str(env.Data); s != "" {
				return NestedImage{s}, nil
			}
		}
	}

	if s := str(env.Image); s != "" {
		return TopImage{s}, nil
	}
	if s := str(env.URL); s != "" {
		return TopURL{s}, nil
	}
	if s := str(env.B64); s != "" {
		return TopB64{s}, nil
	}
	return nil, errNoPayload
}

// str returns raw as a trimmed string when it is a JSON string, else "".
func str(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
