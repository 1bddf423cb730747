// ABOUTME: Unit tests for configuration loading, validation, and selectors.
// ABOUTME: Covers include/exclude ordering and empty-value selector handling.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		selector Selector
		value    string
		want     bool
	}{
		{"no rules selects", Selector{}, "nginx:latest", true},
		{"no rules empty value selects", Selector{}, "", true},
		{"exclude match rejects", Selector{Exclude: []string{"^nginx"}}, "nginx:latest", false},
		{"exclude miss selects", Selector{Exclude: []string{"^nginx"}}, "redis:7", true},
		{"include match selects", Selector{Include: []string{"^redis"}}, "redis:7", true},
		{"include miss rejects", Selector{Include: []string{"^redis"}}, "nginx:latest", false},
		{"include present rejects empty value", Selector{Include: []string{".*"}}, "", false},
		{"exclude only keeps empty value", Selector{Exclude: []string{".*"}}, "", true},
		{"include overrides exclude", Selector{Exclude: []string{"nginx"}, Include: []string{"nginx"}}, "nginx:latest", true},
		{"second include pattern matches", Selector{Include: []string{"^redis", "^nginx"}}, "nginx:latest", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := tt.selector.Evaluate(tt.value)
			assert.Equal(t, tt.want, sel.Result, "Evaluate(%q)", tt.value)
		})
	}
}

func TestSelectorMatchedValue(t *testing.T) {
	sel := Selector{Exclude: []string{"^nginx"}}.Evaluate("nginx:latest")
	assert.Equal(t, "nginx:latest", sel.Matched)
}

func TestParseVersionPolicy(t *testing.T) {
	for _, valid := range []string{"", "AUTO", "VERSION", "DIGEST", "VERSION_DIGEST", "TIMESTAMP"} {
		_, err := ParseVersionPolicy(valid)
		assert.NoError(t, err, "ParseVersionPolicy(%q)", valid)
	}
	_, err := ParseVersionPolicy("NEWEST")
	assert.Error(t, err, "unknown policy should be rejected")

	policy, _ := ParseVersionPolicy("")
	assert.Equal(t, PolicyAuto, policy, "empty policy should default to AUTO")
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, Duration(3*time.Hour), cfg.ScanInterval)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, RegistryOCIV2, cfg.Docker.Registry.API)
	assert.True(t, cfg.Docker.Enabled)
	assert.True(t, cfg.HomeAssistant.DiscoveryEnabled)
	assert.Equal(t, 9274, cfg.MetricsPort)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Duration(3*time.Hour), cfg.ScanInterval, "missing file should yield defaults")
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
node:
  name: testhost
mqtt:
  host: broker.local
  port: 8883
docker:
  version_policy: DIGEST
  image_selector:
    exclude:
      - "^ghcr"
scan_interval: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "testhost", cfg.Node.Name)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, PolicyDigest, cfg.Docker.VersionPolicy)
	// untouched defaults survive the overlay
	assert.Equal(t, "updatewatch", cfg.MQTT.TopicRoot)
	assert.Equal(t, 9274, cfg.MetricsPort)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	bad := Default()
	bad.ScanInterval = 0
	assert.Error(t, bad.Validate(), "zero scan interval")

	bad = Default()
	bad.Docker.Registry.API = "SOAP"
	assert.Error(t, bad.Validate(), "unknown registry api")

	bad = Default()
	bad.Docker.ImageSelector.Include = []string{"("}
	assert.Error(t, bad.Validate(), "invalid selector pattern")

	bad = Default()
	bad.Docker.VersionPolicy = "NEWEST"
	assert.Error(t, bad.Validate(), "unknown version policy")
}
