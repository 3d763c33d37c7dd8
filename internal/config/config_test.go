// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
mqtt:
  enabled: true
  broker: tcp://broker:1883
bridges:
  - name: bus0
    url: tcp://10.0.0.5:502
    cycle_time: 500ms
    defective:
      threshold: 5
    components:
      - id: meter0
        unit_id: 1
        profile: profiles/meter.yaml
      - id: inverter0
        unit_id: 3
        profile: profiles/inverter.yaml
        enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Equal(t, "modbus", cfg.MQTT.TopicPrefix)

	require.Len(t, cfg.Bridges, 1)
	b := cfg.Bridges[0]
	assert.Equal(t, 500*time.Millisecond, b.CycleTime)
	assert.Equal(t, time.Second, b.Timeout)
	assert.Equal(t, 5, b.Defective.Threshold)
	assert.Equal(t, 60, b.Defective.MaxBackoff)
	assert.Equal(t, 9600, b.Serial.BaudRate)
	assert.Equal(t, "N", b.Serial.Parity)

	require.Len(t, b.Components, 2)
	assert.Equal(t, byte(1), b.Components[0].UnitID)
	assert.True(t, b.Components[0].IsEnabled())
	assert.False(t, b.Components[1].IsEnabled())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "http:\n  listen: \":9000\"\n")
	t.Setenv("MBB_HTTP_LISTEN", ":9100")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "bridges:\n  - url: tcp://h:502\n", "name is required"},
		{"missing url", "bridges:\n  - name: a\n", "url is required"},
		{"duplicate bridge", "bridges:\n  - {name: a, url: tcp://h:502}\n  - {name: a, url: tcp://h:503}\n", "duplicate name"},
		{"duplicate component", "bridges:\n  - name: a\n    url: tcp://h:502\n    components:\n      - {id: c, profile: p.yaml}\n      - {id: c, profile: p.yaml}\n", "duplicate component"},
		{"missing profile", "bridges:\n  - name: a\n    url: tcp://h:502\n    components:\n      - {id: c}\n", "profile is required"},
		{"negative threshold", "bridges:\n  - name: a\n    url: tcp://h:502\n    defective: {threshold: -1}\n", "threshold"},
		{"qos", "mqtt:\n  qos: 3\n", "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
