package controller

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/flowlab/internal/capture"
	"github.com/xiaot623/flowlab/internal/config"
	"github.com/xiaot623/flowlab/internal/domain"
	"github.com/xiaot623/flowlab/internal/policy"
	"github.com/xiaot623/flowlab/tests/helpers"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ProbeBin:           helpers.WriteScript(t, dir, "probe", helpers.ProbeScript),
		TcpdumpBin:         helpers.WriteScript(t, dir, "faketcpdump", helpers.CaptureScript),
		CaptureDir:         dir,
		MaxWithholdSeconds: 60,
		MaxStartAfterBytes: 1 << 20,
		ProbeStopGrace:     2 * time.Second,
		CaptureStopGrace:   2 * time.Second,
		BacklogLines:       50,
		SubscriberBuf:      512,
	}
}

func newTestController(t *testing.T, cfg *config.Config) *Controller {
	t.Helper()
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	store := helpers.NewTestSQLiteStore(t)
	c := New(cfg, pol, store, capture.NewManager(cfg.TcpdumpBin, cfg.CaptureDir))
	t.Cleanup(func() { c.Stop() })
	return c
}

func validConfig() domain.RunConfig {
	return domain.RunConfig{
		Host:      "example.com",
		Port:      443,
		Path:      "/",
		Interface: "any",
	}
}

func waitTerminal(t *testing.T, c *Controller, timeout time.Duration) domain.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := c.Status()
		if st.State == domain.RunStateTerminal {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run did not reach terminal state within %s (state %s)", timeout, c.Status().State)
	return domain.Status{}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	runID, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	assert.NotEmpty(t, runID)
	assert.Equal(t, domain.RunStateRunning, c.Status().State)

	st, stopped := c.Stop()
	assert.True(t, stopped, "this Stop tore the run down")
	assert.Equal(t, domain.RunStateTerminal, st.State)
	assert.Equal(t, domain.CauseStopped, st.Cause)
	assert.True(t, st.ArtifactAvailable)

	// Both children are gone before the run is terminal.
	assert.False(t, c.active.probe.Alive())
	assert.False(t, c.active.capture.Alive())

	// The artifact was flushed by the capture tool's graceful stop.
	path, err := c.Artifact(context.Background(), runID)
	if err != nil {
		t.Fatalf("Artifact failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	assert.Equal(t, "pcapdata", string(data))
}

func TestSingleFlight(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	runID, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = c.Start(context.Background(), validConfig())
	assert.Equal(t, domain.CodeRunAlreadyActive, domain.CodeOf(err))

	// The existing run is untouched.
	st := c.Status()
	assert.Equal(t, domain.RunStateRunning, st.State)
	assert.Equal(t, runID, st.RunID)
}

func TestRestartAfterTerminal(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	first, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c.Stop()

	second, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	assert.NotEqual(t, first, second)

	// Starting a new run removed the superseded artifact.
	_, err = os.Stat(c.capmgr.ArtifactPath(first))
	assert.True(t, os.IsNotExist(err), "previous artifact should be removed")
	c.Stop()
}

func TestNaturalCompletion(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProbeBin = helpers.WriteScript(t, t.TempDir(), "probe", helpers.ProbeScriptExit0)
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := waitTerminal(t, c, 5*time.Second)
	assert.Equal(t, domain.CauseCompleted, st.Cause)
	assert.False(t, c.active.capture.Alive(), "capture tool must be torn down with the probe")
	assert.True(t, st.ArtifactAvailable)
}

func TestProbeCrashRecorded(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProbeBin = helpers.WriteScript(t, t.TempDir(), "probe", helpers.ProbeScriptExit1)
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := waitTerminal(t, c, 5*time.Second)
	assert.Equal(t, domain.CauseCrashed, st.Cause)
}

func TestWatchdogTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRunDuration = 300 * time.Millisecond
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := waitTerminal(t, c, 5*time.Second)
	assert.Equal(t, domain.CauseTimeout, st.Cause)
	assert.False(t, c.active.probe.Alive())
	assert.False(t, c.active.capture.Alive())
}

func TestCaptureSpawnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.TcpdumpBin = "/definitely/not/tcpdump"
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	assert.Equal(t, domain.CodeCaptureSpawnFailed, domain.CodeOf(err))

	// Not stuck in STARTING; the probe, already spawned, was terminated.
	st := c.Status()
	assert.Equal(t, domain.RunStateTerminal, st.State)
	assert.Equal(t, domain.CauseStartFailed, st.Cause)
	if c.active.probe != nil {
		assert.False(t, c.active.probe.Alive())
	}
}

func TestProbeSpawnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProbeBin = "/definitely/not/a/probe"
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	assert.Equal(t, domain.CodeSpawnFailed, domain.CodeOf(err))

	st := c.Status()
	assert.Equal(t, domain.RunStateTerminal, st.State)
	assert.Equal(t, domain.CauseStartFailed, st.Cause)
	if c.active.capture != nil {
		assert.False(t, c.active.capture.Alive())
	}
}

func TestInvalidConfigRejectedBeforeSpawn(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	bad := validConfig()
	bad.Port = 70000
	_, err := c.Start(context.Background(), bad)
	assert.Equal(t, domain.CodeInvalidConfig, domain.CodeOf(err))

	// No state change.
	assert.Equal(t, domain.RunStateIdle, c.Status().State)
}

func TestPolicyBlockRejected(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	bad := validConfig()
	bad.WithholdSeconds = 10000
	_, err := c.Start(context.Background(), bad)
	assert.Equal(t, domain.CodeInvalidConfig, domain.CodeOf(err))
	assert.Equal(t, domain.RunStateIdle, c.Status().State)
}

func TestStopIdempotent(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	// Stop with nothing running just reports the state.
	st, stopped := c.Stop()
	assert.False(t, stopped)
	assert.Equal(t, domain.RunStateIdle, st.State)

	_, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first, firstStopped := c.Stop()
	second, secondStopped := c.Stop()
	assert.True(t, firstStopped)
	assert.False(t, secondStopped, "the run was already down")
	assert.Equal(t, domain.RunStateTerminal, first.State)
	assert.Equal(t, domain.RunStateTerminal, second.State)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestStopAfterNaturalCompletionReportsNotStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProbeBin = helpers.WriteScript(t, t.TempDir(), "probe", helpers.ProbeScriptExit0)
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, c, 5*time.Second)

	st, stopped := c.Stop()
	assert.False(t, stopped, "the run ended on its own")
	assert.Equal(t, domain.CauseCompleted, st.Cause)
}

func TestArtifactUnavailable(t *testing.T) {
	cfg := testConfig(t)
	c := newTestController(t, cfg)

	_, err := c.Artifact(context.Background(), "run_unknown")
	assert.Equal(t, domain.CodeArtifactUnavailable, domain.CodeOf(err))

	runID, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Not sealed while the run is live.
	_, err = c.Artifact(context.Background(), runID)
	assert.Equal(t, domain.CodeArtifactUnavailable, domain.CodeOf(err))

	c.Stop()
	_, err = c.Artifact(context.Background(), runID)
	assert.NoError(t, err)
}

func TestLogStreamOrdering(t *testing.T) {
	script := `sleep 0.5
i=0
while [ $i -lt 20 ]; do
  echo "line-$i"
  i=$((i+1))
done
exit 0
`
	cfg := testConfig(t)
	cfg.ProbeBin = helpers.WriteScript(t, t.TempDir(), "probe", script)
	c := newTestController(t, cfg)

	_, err := c.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sub := c.Broadcaster(domain.SourceProbe).Subscribe()

	var got []string
	for line := range sub.C {
		got = append(got, line)
	}

	// The subscriber observes a contiguous, order-preserving suffix.
	if len(got) == 0 {
		t.Fatal("expected to observe probe output")
	}
	prev := -1
	for _, line := range got {
		var n int
		if _, err := fmt.Sscanf(line, "line-%d", &n); err != nil {
			t.Fatalf("unexpected line %q", line)
		}
		if prev >= 0 && n != prev+1 {
			t.Fatalf("gap in stream: %d after %d", n, prev)
		}
		prev = n
	}

	waitTerminal(t, c, 5*time.Second)
}
