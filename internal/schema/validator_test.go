package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendRegistrationSchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		doc   map[string]interface{}
		valid bool
	}{
		{"minimal", map[string]interface{}{"name": "my-sdxl", "endpoint": "https://gen.example.com/v1/run"}, true},
		{"with key", map[string]interface{}{"name": "my-sdxl", "endpoint": "http://10.0.0.4:8000/gen", "apiKey": "sk-123"}, true},
		{"missing endpoint", map[string]interface{}{"name": "my-sdxl"}, false},
		{"uppercase name", map[string]interface{}{"name": "MySDXL", "endpoint": "https://gen.example.com"}, false},
		{"non http scheme", map[string]interface{}{"name": "ftp-gen", "endpoint": "ftp://gen.example.com"}, false},
		{"unknown field", map[string]interface{}{"name": "x1", "endpoint": "https://a.example", "token": "t"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(BackendRegistration, tt.doc)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Issues)
		})
	}
}

func TestValidateUnknownKind(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.ErrorContains(t, v.Validate("nope", map[string]string{}), "schema not found")
}
