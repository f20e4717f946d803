package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, "tcpdump", cfg.TcpdumpBin)
	assert.Equal(t, "captures", cfg.CaptureDir)
	assert.Equal(t, float64(120), cfg.MaxWithholdSeconds)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxStartAfterBytes)
	assert.Equal(t, 5*time.Minute, cfg.MaxRunDuration)
	assert.Nil(t, cfg.AllowedInterfaces)
	assert.Equal(t, 200, cfg.BacklogLines)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9001")
	t.Setenv("TCPDUMP_BIN", "/usr/sbin/tcpdump")
	t.Setenv("MAX_WITHHOLD_SECONDS", "42.5")
	t.Setenv("ALLOWED_INTERFACES", "eth0, lo")
	t.Setenv("MAX_RUN_DURATION_MS", "1000")

	cfg := Load()

	assert.Equal(t, 9001, cfg.HTTPPort)
	assert.Equal(t, "/usr/sbin/tcpdump", cfg.TcpdumpBin)
	assert.Equal(t, 42.5, cfg.MaxWithholdSeconds)
	assert.Equal(t, []string{"eth0", "lo"}, cfg.AllowedInterfaces)
	assert.Equal(t, time.Second, cfg.MaxRunDuration)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("MAX_WITHHOLD_SECONDS", "nope")

	cfg := Load()
	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, float64(120), cfg.MaxWithholdSeconds)
}
