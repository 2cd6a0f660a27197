package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicertc/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Voice.GracePeriod)
	assert.Equal(t, time.Second, cfg.Voice.StatsInterval)
	assert.Equal(t, domain.Capabilities{Speak: true, Video: true, ShareScreen: true}, cfg.Voice.DefaultCapabilities)
	assert.Equal(t, 48000, cfg.Client.Constraints.Audio.SampleRate)
	assert.Equal(t, 1920, cfg.Client.Constraints.Screen.Width)
	assert.Equal(t, 10*time.Second, cfg.RTC.ConnectTimeout)
	assert.Empty(t, cfg.Server.InternalToken, "internal routes closed by default")
}

func TestLoadFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "voice.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 9000
voice:
  grace_period: 2s
  default_capabilities:
    speak: true
    video: false
    share_screen: false
  user_capabilities:
    mod:
      speak: true
      video: true
      share_screen: true
`), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", file, "--server.port", "9100"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "flag wins over file")
	assert.Equal(t, 2*time.Second, cfg.Voice.GracePeriod)
	assert.False(t, cfg.Voice.DefaultCapabilities.Video)
	assert.True(t, cfg.Voice.UserCapabilities["mod"].ShareScreen)
	assert.Equal(t, "release", cfg.Server.Mode)
}
