package domain

import (
	"fmt"
	"strings"
	"time"
)

// RunConfig is the immutable experiment configuration supplied at start.
// Field names match the REST API body.
type RunConfig struct {
	Host                string  `json:"host"`
	IP                  string  `json:"ip,omitempty"`
	Port                int     `json:"port"`
	Path                string  `json:"path"`
	WithholdSeconds     float64 `json:"withhold_seconds"`
	StartAfterBytes     int64   `json:"start_after_bytes"`
	PingIntervalSeconds float64 `json:"ping_interval_seconds"`
	Interface           string  `json:"interface"`
}

// ApplyDefaults fills in the defaults the original backend used.
func (c *RunConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 443
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Interface == "" {
		c.Interface = "any"
	}
}

// Validate checks the structural invariants of the config. Limit checks
// (maxima on withholding and byte threshold) are the policy engine's job.
func (c *RunConfig) Validate() error {
	if c.Host == "" {
		return NewError(CodeInvalidConfig, "host is required", nil)
	}
	if c.Port < 1 || c.Port > 65535 {
		return NewError(CodeInvalidConfig, fmt.Sprintf("port %d out of range [1,65535]", c.Port), nil)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return NewError(CodeInvalidConfig, "path must begin with /", nil)
	}
	if c.Interface == "" {
		return NewError(CodeInvalidConfig, "interface is required", nil)
	}
	if c.WithholdSeconds < 0 {
		return NewError(CodeInvalidConfig, "withhold_seconds must be >= 0", nil)
	}
	if c.StartAfterBytes < 0 {
		return NewError(CodeInvalidConfig, "start_after_bytes must be >= 0", nil)
	}
	if c.PingIntervalSeconds < 0 {
		return NewError(CodeInvalidConfig, "ping_interval_seconds must be >= 0", nil)
	}
	return nil
}

// Run is the persisted record of one experiment execution.
type Run struct {
	RunID        string        `json:"run_id"`
	Config       RunConfig     `json:"config"`
	State        RunState      `json:"state"`
	Cause        TerminalCause `json:"cause,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
}

// Elapsed returns the run duration, live or final.
func (r *Run) Elapsed(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Status is the snapshot returned by GET /api/status.
type Status struct {
	State             RunState      `json:"state"`
	RunID             string        `json:"run_id,omitempty"`
	Cause             TerminalCause `json:"cause,omitempty"`
	ElapsedSeconds    float64       `json:"elapsed_seconds"`
	ArtifactAvailable bool          `json:"artifact_available"`
}
