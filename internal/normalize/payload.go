package normalize

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Payload is an extracted image reference, classified by encoding.
type Payload interface {
	payload()
}

// RemoteURL must be fetched again to obtain bytes.
type RemoteURL struct{ URL string }

// DataURL carries its MIME type explicitly.
type DataURL struct {
	MimeType string
	Base64   bool
	Data     string
}

// RawBase64 has no MIME type; it is inferred from the leading characters.
type RawBase64 struct{ Data string }

func (RemoteURL) payload() {}
func (DataURL) payload()   {}
func (RawBase64) payload() {}

// Base64 prefixes of well-known image signatures.
const (
	jpegSignature = "/9j/"
	pngSignature  = "iVBORw0KGgo"
)

// ClassifyPayload decides how s encodes an image.
func ClassifyPayload(s string) Payload {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return RemoteURL{URL: s}
	case strings.HasPrefix(lower, "data:"):
		return parseDataURL(s)
	default:
		return RawBase64{Data: s}
	}
}

// parseDataURL splits data:[<mime>][;param...][;base64],<data>.
func parseDataURL(s string) DataURL {
	meta, data, found := strings.Cut(s[len("data:"):], ",")
	if !found {
		return DataURL{MimeType: "", Base64: true, Data: meta}
	}
	d := DataURL{Data: data}
	params := strings.Split(meta, ";")
	d.MimeType = strings.ToLower(strings.TrimSpace(params[0]))
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			d.Base64 = true
		}
	}
	return d
}

// InferMimeType maps a base64 string's signature to a MIME type, defaulting to PNG.
func InferMimeType(b64 string) string {
	switch {
	case strings.HasPrefix(b64, jpegSignature):
		return "image/jpeg"
	case strings.HasPrefix(b64, pngSignature):
		return "image/png"
	}
	return "image/png"
}

// decodeBase64 accepts standard or URL alphabets, padded or not, and ignores
// embedded whitespace.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// decodeInline turns a data URL or raw base64 payload into bytes and a MIME type.
func decodeInline(p Payload) ([]byte, string, error) {
	switch v := p.(type) {
	case DataURL:
		mime := v.MimeType
		if !v.Base64 {
			return nil, "", fmt.Errorf("data URL is not base64 encoded")
		}
		b, err := decodeBase64(v.Data)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URL: %w", err)
		}
		if mime == "" {
			mime = InferMimeType(strings.TrimSpace(v.Data))
		}
		return b, mime, nil
	case RawBase64:
		data := strings.TrimSpace(v.Data)
		b, err := decodeBase64(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode base64: %w", err)
		}
		return b, InferMimeType(data), nil
	case RemoteURL:
		return nil, "", fmt.Errorf("remote URL is not an inline payload")
	}
	return nil, "", fmt.Errorf("unsupported payload %T", p)
}
