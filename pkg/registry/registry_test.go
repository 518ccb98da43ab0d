package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `{
  "version": "1.0.0",
  "default": ["app"],
  "routes": [
    {"id": "benefit-urgent", "category": "benefit", "priorities": ["high", "urgent"], "channels": ["push", "email", "app"], "ttl": "72h"},
    {"id": "benefit", "category": "benefit", "channels": ["push", "app"]},
    {"id": "validation", "category": "validation", "channels": ["sms"], "maxRetries": 5}
  ]
}`

func TestResolve(t *testing.T) {
	reg, err := Parse([]byte(testRegistry))
	require.NoError(t, err)

	tests := []struct {
		name     string
		category string
		priority string
		wantID   string
		wantOK   bool
		channels []string
	}{
		{"priority specific", "benefit", "urgent", "benefit-urgent", true, []string{"push", "email", "app"}},
		{"category wide", "benefit", "low", "benefit", true, []string{"push", "app"}},
		{"other category", "validation", "medium", "validation", true, []string{"sms"}},
		{"default", "system", "low", "default", false, []string{"app"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, ok := reg.Resolve(tt.category, tt.priority)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, route.ID)
			assert.Equal(t, tt.channels, route.Channels)
		})
	}

	route, _ := reg.Resolve("benefit", "high")
	assert.Equal(t, 72*time.Hour, route.TTLDuration())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no default", `{"routes": []}`},
		{"unknown channel", `{"default": ["fax"]}`},
		{"duplicate id", `{"default": ["app"], "routes": [{"id": "a", "category": "x", "channels": ["app"]}, {"id": "a", "category": "y", "channels": ["app"]}]}`},
		{"bad ttl", `{"default": ["app"], "routes": [{"id": "a", "category": "x", "channels": ["app"], "ttl": "3 days"}]}`},
		{"no channels", `{"default": ["app"], "routes": [{"id": "a", "category": "x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndSaveRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	route, ok := reg.FindRoute("validation")
	require.True(t, ok)
	route.Channels = []string{"sms", "app"}
	require.NoError(t, SaveRegistry(path, reg))

	reloaded, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.NotEmpty(t, reloaded.LastUpdated)
	got, _ := reloaded.FindRoute("validation")
	assert.Equal(t, []string{"sms", "app"}, got.Channels)
}

func TestShippedRegistryIsValid(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join("..", "..", "configs", "channels.json"))
	require.NoError(t, err)

	route, ok := reg.Resolve("benefit", "urgent")
	require.True(t, ok)
	assert.Equal(t, "benefit-urgent", route.ID)
	assert.Equal(t, 24*time.Hour, route.TTLDuration())

	_, ok = reg.Resolve("system", "low")
	assert.False(t, ok, "low priority system notices use the default")
}
