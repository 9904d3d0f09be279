package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/rtc"
)

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient(nil)
	require.NoError(t, err)

	assert.Equal(t, BackendWebsocket, cfg.Backend)
	assert.Equal(t, "ws://localhost:8080/", cfg.SignalingURL)
	assert.Equal(t, "default", cfg.Room)
	assert.Equal(t, pkg.ContextVideoCall, cfg.Context)
	assert.Equal(t, rtc.DefaultICEServers, cfg.ICEServers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.True(t, cfg.MicEnabled)
	assert.True(t, cfg.CamEnabled)
	assert.Empty(t, cfg.ID)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadClientPrecedence(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "client.yaml")

	require.NoError(t, os.WriteFile(fn, []byte(`
room: from-file
name: File
loop: true
redis:
  db: 3
`), 0o600))

	t.Setenv("MESH_NAME", "Env")
	t.Setenv("MESH_ID", "env-id")
	t.Setenv("MESH_REDIS_PASSWORD", "secret")
	t.Setenv("MESH_AUDIO_FILE", "audio.ogg")

	cfg, err := LoadClient([]string{"--config", fn, "--id", "flag-id", "--mic=false"})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Room)
	assert.Equal(t, "Env", cfg.DisplayName)
	assert.Equal(t, pkg.ParticipantID("flag-id"), cfg.ParticipantID())
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "audio.ogg", cfg.AudioFile)
	assert.True(t, cfg.Loop)
	assert.False(t, cfg.MicEnabled)
}

func TestLoadClientICE(t *testing.T) {
	cfg, err := LoadClient([]string{
		"--ice-servers", "stun:a.example.com,turn:b.example.com",
		"--ice-username", "user",
		"--ice-credential", "pass",
	})
	require.NoError(t, err)

	c := cfg.RTC()
	assert.Equal(t, []string{"stun:a.example.com", "turn:b.example.com"}, c.ICEServers)
	assert.Equal(t, "user", c.Username)
	assert.Equal(t, "pass", c.Credential)
}

func TestLoadClientValidation(t *testing.T) {
	_, err := LoadClient([]string{"--backend", "carrier-pigeon"})
	require.Error(t, err)

	_, err = LoadClient([]string{"--room", ""})
	require.Error(t, err)

	_, err = LoadClient([]string{"--backend", "redis", "--redis.addr", ""})
	require.Error(t, err)

	cfg, err := LoadClient([]string{"--backend", "redis"})
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Backend)
}

func TestLoadClientMissingConfigFile(t *testing.T) {
	_, err := LoadClient([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestLoadClientHelp(t *testing.T) {
	_, err := LoadClient([]string{"--help"})
	require.ErrorIs(t, err, pflag.ErrHelp)
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("MESH_API_TOKEN", "token")

	cfg, err := LoadRelay([]string{"--addr", ":9000"})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Address)
	assert.Equal(t, "admin", cfg.APIUsername)
	assert.Empty(t, cfg.APIPassword)
	assert.Equal(t, "token", cfg.APIToken)
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	require.NoError(t, SetupLogging("debug"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	require.Error(t, SetupLogging("chatty"))
}
