// Package config provides configuration for the experiment backend.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the backend configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Child process binaries
	ProbeBin   string
	TcpdumpBin string

	// Capture settings
	CaptureDir string

	// Run limits
	MaxWithholdSeconds float64
	MaxStartAfterBytes int64
	MaxRunDuration     time.Duration
	AllowedInterfaces  []string // empty means any

	// Teardown grace windows
	ProbeStopGrace   time.Duration
	CaptureStopGrace time.Duration

	// Log fan-out settings
	BacklogLines  int
	SubscriberBuf int

	// WebSocket settings
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// Persistence
	DatabaseURL string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8000),
		ProbeBin:           getEnv("PROBE_BIN", "h2probe"),
		TcpdumpBin:         getEnv("TCPDUMP_BIN", "tcpdump"),
		CaptureDir:         getEnv("CAPTURE_DIR", "captures"),
		MaxWithholdSeconds: getEnvFloat("MAX_WITHHOLD_SECONDS", 120),
		MaxStartAfterBytes: int64(getEnvInt("MAX_START_AFTER_BYTES", 50*1024*1024)),
		MaxRunDuration:     time.Duration(getEnvInt("MAX_RUN_DURATION_MS", 300000)) * time.Millisecond,
		AllowedInterfaces:  getEnvList("ALLOWED_INTERFACES", nil),
		ProbeStopGrace:     time.Duration(getEnvInt("PROBE_STOP_GRACE_MS", 2000)) * time.Millisecond,
		CaptureStopGrace:   time.Duration(getEnvInt("CAPTURE_STOP_GRACE_MS", 3000)) * time.Millisecond,
		BacklogLines:       getEnvInt("LOG_BACKLOG_LINES", 200),
		SubscriberBuf:      getEnvInt("LOG_SUBSCRIBER_BUF", 512),
		PingInterval:       time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:       time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:        time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		DatabaseURL:        getEnv("DATABASE_URL", "file:flowlab.db?cache=shared&mode=rwc"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
