package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
	"type": "object",
	"required": ["provider", "events"],
	"properties": {
		"provider": {"type": "string", "enum": ["sendgrid", "twilio"]},
		"events": {"type": "array", "minItems": 1}
	}
}`

func TestSchema_ValidateBytes(t *testing.T) {
	s, err := Compile("test", testSchema)
	require.NoError(t, err)

	tests := []struct {
		name      string
		doc       string
		wantValid bool
		contains  string
	}{
		{"valid", `{"provider":"sendgrid","events":[{}]}`, true, ""},
		{"missing events", `{"provider":"sendgrid"}`, false, "events"},
		{"bad enum", `{"provider":"mailgun","events":[{}]}`, false, "provider"},
		{"empty events", `{"provider":"twilio","events":[]}`, false, "events"},
		{"malformed", `{"provider":`, false, "(root)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.ValidateBytes([]byte(tt.doc))
			assert.Equal(t, tt.wantValid, result.Valid)
			if !tt.wantValid {
				assert.Contains(t, result.Error(), tt.contains)
				assert.NotEmpty(t, result.GetErrorMessages())
			}
		})
	}
}

func TestSchema_ValidateGo(t *testing.T) {
	s := MustCompile("test", testSchema)

	result := s.ValidateGo(map[string]interface{}{
		"provider": "twilio",
		"events":   []interface{}{map[string]interface{}{"MessageSid": "SM1"}},
	})
	assert.True(t, result.Valid)
}

func TestCompile_InvalidSchema(t *testing.T) {
	_, err := Compile("broken", `{"type": 12}`)
	assert.Error(t, err)
}

func TestValidateEmailAndPhone(t *testing.T) {
	assert.True(t, ValidateEmail("socio@fidelya.com.ar"))
	assert.False(t, ValidateEmail("not-an-email"))
	assert.True(t, ValidatePhone("+5491122334455"))
	assert.False(t, ValidatePhone("11 2233-4455"))
	assert.False(t, ValidatePhone(""))
}
