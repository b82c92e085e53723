package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndValidation(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Alerts.SweepInterval)
	assert.Equal(t, 64, cfg.Hub.SubscriberBuffer)
	assert.Len(t, cfg.Listeners, 9)

	// Default listener plan matches the published port map.
	ports := map[string]int{}
	for _, l := range cfg.Listeners {
		ports[l.Protocol] = l.Port
	}
	assert.Equal(t, 5027, ports["teltonika"])
	assert.Equal(t, 5023, ports["gt06"])
	assert.Equal(t, 5025, ports["h02"])
	assert.Equal(t, 5055, ports["osmand"])
	assert.Equal(t, 5149, ports["flespi"])

	// Missing database URL and secret fail validation.
	assert.Error(t, cfg.Validate())
	cfg.Database.URL = "postgres://localhost/fleetcore"
	assert.Error(t, cfg.Validate())
	cfg.Security.Secret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/fleet")
	t.Setenv("FLEETCORE_SECRET", "topsecret")
	t.Setenv("FLEETCORE_PORT_GT06", "6023")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/fleet", cfg.Database.URL)
	assert.Equal(t, "topsecret", cfg.Security.Secret)
	for _, l := range cfg.Listeners {
		if l.Protocol == "gt06" {
			assert.Equal(t, 6023, l.Port)
		}
	}
}

func TestYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 9000
database:
  url: postgres://localhost/fleet
security:
  secret: filesecret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.NoError(t, cfg.Validate())
}

func TestDuplicatePortRejected(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Database.URL = "postgres://localhost/fleet"
	cfg.Security.Secret = "x"
	cfg.Listeners[1].Port = cfg.Listeners[0].Port
	assert.Error(t, cfg.Validate())
}
