// Package controller owns the run lifecycle state machine.
package controller

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/flowlab/internal/broadcast"
	"github.com/xiaot623/flowlab/internal/capture"
	"github.com/xiaot623/flowlab/internal/config"
	"github.com/xiaot623/flowlab/internal/domain"
	"github.com/xiaot623/flowlab/internal/policy"
	"github.com/xiaot623/flowlab/internal/repository"
	"github.com/xiaot623/flowlab/internal/supervisor"
)

// Controller holds at most one live run and serializes every state
// transition. A probe or capture-tool failure never propagates out of the
// controller; it only becomes the run's terminal cause.
type Controller struct {
	cfg    *config.Config
	policy *policy.Engine
	store  repository.Store
	capmgr *capture.Manager

	mu     sync.Mutex
	state  domain.RunState
	active *activeRun
}

// activeRun is the live half of a Run: process handles, broadcasters and
// the channels the watcher selects on.
type activeRun struct {
	run        *domain.Run
	probe      *supervisor.Process
	capture    *supervisor.Process
	probeLog   *broadcast.Broadcaster
	captureLog *broadcast.Broadcaster

	stopCh   chan struct{}
	stopOnce sync.Once
	finOnce  sync.Once
	pumps    sync.WaitGroup
	watchdog *time.Timer
	done     chan struct{}
}

// New creates a controller in the idle state.
func New(cfg *config.Config, pol *policy.Engine, store repository.Store, capmgr *capture.Manager) *Controller {
	return &Controller{
		cfg:    cfg,
		policy: pol,
		store:  store,
		capmgr: capmgr,
		state:  domain.RunStateIdle,
	}
}

// Start validates the config, and if no run is active spawns the probe and
// the capture tool and moves the controller to RUNNING. Single-flight:
// while a run is in a non-terminal state a second Start is rejected.
func (c *Controller) Start(ctx context.Context, runCfg domain.RunConfig) (string, error) {
	runCfg.ApplyDefaults()
	if err := runCfg.Validate(); err != nil {
		return "", err
	}
	if err := c.policy.Admit(ctx, &runCfg, c.cfg); err != nil {
		return "", err
	}

	c.mu.Lock()
	if !c.state.Terminal() {
		c.mu.Unlock()
		return "", domain.NewError(domain.CodeRunAlreadyActive,
			fmt.Sprintf("a run is already active (state %s)", c.state), nil)
	}
	prev := c.active

	runID := "run_" + uuid.New().String()[:8]
	ar := &activeRun{
		run: &domain.Run{
			RunID:     runID,
			Config:    runCfg,
			State:     domain.RunStateStarting,
			StartedAt: time.Now(),
		},
		probeLog:   broadcast.New(c.cfg.BacklogLines, c.cfg.SubscriberBuf),
		captureLog: broadcast.New(c.cfg.BacklogLines, c.cfg.SubscriberBuf),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.state = domain.RunStateStarting
	c.active = ar
	c.mu.Unlock()

	// The previous run's artifact is retained until superseded.
	if prev != nil {
		if err := c.capmgr.Remove(prev.run.RunID); err != nil {
			log.Printf("WARN: failed to remove artifact of %s: %v", prev.run.RunID, err)
		}
	}

	if err := c.store.CreateRun(ctx, ar.run); err != nil {
		log.Printf("ERROR: failed to persist run %s: %v", runID, err)
		// Persistence failure should not block the experiment.
	}

	// Spawn both children concurrently.
	var wg sync.WaitGroup
	var probeErr, capErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		proc, err := supervisor.Spawn(c.cfg.ProbeBin, probeArgs(runCfg))
		if err != nil {
			probeErr = domain.NewError(domain.CodeSpawnFailed, "spawn probe", err)
			return
		}
		ar.probe = proc
	}()
	go func() {
		defer wg.Done()
		proc, _, err := c.capmgr.Start(runID, runCfg.Interface, runCfg.Port)
		if err != nil {
			capErr = err
			return
		}
		ar.capture = proc
	}()
	wg.Wait()

	if probeErr != nil || capErr != nil {
		c.failStart(ar)
		if capErr != nil {
			return "", capErr
		}
		return "", probeErr
	}

	log.Printf("Run %s started: probe pid=%d capture pid=%d", runID, ar.probe.Pid(), ar.capture.Pid())

	ar.pump(ar.probe, ar.probeLog)
	ar.pump(ar.capture, ar.captureLog)

	c.mu.Lock()
	c.state = domain.RunStateRunning
	ar.run.State = domain.RunStateRunning
	c.mu.Unlock()

	var watchdogC <-chan time.Time
	if c.cfg.MaxRunDuration > 0 {
		ar.watchdog = time.NewTimer(c.cfg.MaxRunDuration)
		watchdogC = ar.watchdog.C
	}
	go c.watch(ar, watchdogC)

	return runID, nil
}

// Stop requests teardown of the active run and waits for it to reach the
// terminal state. Idempotent: with no run in flight it only reports the
// current state. The second return value reports whether this call is the
// one that stopped the run; it is false when no run was active, when
// another Stop got there first, or when the run terminated on its own
// while the request was in flight.
func (c *Controller) Stop() (domain.Status, bool) {
	c.mu.Lock()
	ar := c.active
	state := c.state
	c.mu.Unlock()

	if state != domain.RunStateRunning {
		return c.Status(), false
	}

	requested := false
	ar.stopOnce.Do(func() {
		close(ar.stopCh)
		requested = true
	})
	<-ar.done

	c.mu.Lock()
	stopped := requested && ar.run.Cause == domain.CauseStopped
	c.mu.Unlock()
	return c.Status(), stopped
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return domain.Status{State: domain.RunStateIdle}
	}
	r := c.active.run
	return domain.Status{
		State:             c.state,
		RunID:             r.RunID,
		Cause:             r.Cause,
		ElapsedSeconds:    r.Elapsed(time.Now()).Seconds(),
		ArtifactAvailable: r.ArtifactPath != "",
	}
}

// Broadcaster returns the log fan-out for one source of the current run,
// or nil when no run was ever started.
func (c *Controller) Broadcaster(src domain.LogSource) *broadcast.Broadcaster {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	if src == domain.SourceCapture {
		return c.active.captureLog
	}
	return c.active.probeLog
}

// Artifact resolves the sealed capture artifact path for a run identity.
func (c *Controller) Artifact(ctx context.Context, runID string) (string, error) {
	c.mu.Lock()
	if c.active != nil && c.active.run.RunID == runID {
		path := c.active.run.ArtifactPath
		c.mu.Unlock()
		if path == "" {
			return "", domain.NewError(domain.CodeArtifactUnavailable, "artifact not sealed yet", nil)
		}
		return path, nil
	}
	c.mu.Unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run == nil || run.ArtifactPath == "" {
		return "", domain.NewError(domain.CodeArtifactUnavailable,
			fmt.Sprintf("no artifact for run %s", runID), nil)
	}
	return run.ArtifactPath, nil
}

// watch waits for the first of: probe exit, capture exit, watchdog expiry,
// stop request. Whatever fires, teardown runs exactly once.
func (c *Controller) watch(ar *activeRun, watchdogC <-chan time.Time) {
	select {
	case st := <-ar.probe.Done():
		cause := domain.CauseCompleted
		if st.Code != 0 {
			cause = domain.CauseCrashed
			log.Printf("ERROR: probe exited abnormally: code=%d err=%v", st.Code, st.Err)
		}
		c.finish(ar, cause, &st, nil)
	case st := <-ar.capture.Done():
		log.Printf("ERROR: capture tool exited while running: code=%d err=%v", st.Code, st.Err)
		c.finish(ar, domain.CauseCrashed, nil, &st)
	case <-watchdogC:
		log.Printf("WARN: run %s exceeded %s watchdog", ar.run.RunID, c.cfg.MaxRunDuration)
		c.finish(ar, domain.CauseTimeout, nil, nil)
	case <-ar.stopCh:
		c.finish(ar, domain.CauseStopped, nil, nil)
	}
}

// finish is the single teardown path shared by stop, watchdog expiry and
// spontaneous exits. probeSt/capSt carry exit statuses the watcher already
// consumed; nil means the child still has to be terminated and reaped.
func (c *Controller) finish(ar *activeRun, cause domain.TerminalCause, probeSt, capSt *supervisor.ExitStatus) {
	ar.finOnce.Do(func() {
		c.mu.Lock()
		c.state = domain.RunStateStopping
		ar.run.State = domain.RunStateStopping
		c.mu.Unlock()

		if ar.watchdog != nil {
			ar.watchdog.Stop()
		}

		// Probe goes down first; the capture tool keeps recording so
		// packets in flight during probe teardown still land in the file.
		if probeSt == nil {
			ar.probe.Terminate(c.cfg.ProbeStopGrace)
			st := <-ar.probe.Done()
			probeSt = &st
		}
		if capSt == nil {
			st := c.capmgr.Stop(ar.capture, c.cfg.CaptureStopGrace)
			capSt = &st
		}

		// Both children have exited, so the pipes are at EOF and the
		// pumps drain every remaining line before the broadcasters close.
		ar.pumps.Wait()
		ar.probeLog.Close()
		ar.captureLog.Close()

		artifact := ""
		if path, err := c.capmgr.Seal(ar.run.RunID); err != nil {
			log.Printf("WARN: sealing artifact for %s: %v", ar.run.RunID, err)
		} else {
			artifact = path
		}

		ended := time.Now()
		c.mu.Lock()
		c.state = domain.RunStateTerminal
		ar.run.State = domain.RunStateTerminal
		ar.run.Cause = cause
		ar.run.EndedAt = &ended
		ar.run.ArtifactPath = artifact
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.FinalizeRun(ctx, ar.run.RunID, cause, ended, artifact); err != nil {
			log.Printf("ERROR: failed to finalize run %s: %v", ar.run.RunID, err)
		}

		log.Printf("Run %s terminal: cause=%s probe_code=%d capture_code=%d",
			ar.run.RunID, cause, probeSt.Code, capSt.Code)
		close(ar.done)
	})
}

// failStart tears down whichever child did spawn and parks the run in the
// terminal state with the start-failure cause.
func (c *Controller) failStart(ar *activeRun) {
	if ar.probe != nil {
		go drain(ar.probe)
		ar.probe.Terminate(c.cfg.ProbeStopGrace)
		<-ar.probe.Done()
	}
	if ar.capture != nil {
		go drain(ar.capture)
		ar.capture.Terminate(c.cfg.CaptureStopGrace)
		<-ar.capture.Done()
	}
	ar.probeLog.Close()
	ar.captureLog.Close()

	ended := time.Now()
	c.mu.Lock()
	c.state = domain.RunStateTerminal
	ar.run.State = domain.RunStateTerminal
	ar.run.Cause = domain.CauseStartFailed
	ar.run.EndedAt = &ended
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.FinalizeRun(ctx, ar.run.RunID, domain.CauseStartFailed, ended, ""); err != nil {
		log.Printf("ERROR: failed to finalize run %s: %v", ar.run.RunID, err)
	}
	close(ar.done)
}

// pump republishes one child's lines into its broadcaster.
func (ar *activeRun) pump(proc *supervisor.Process, b *broadcast.Broadcaster) {
	ar.pumps.Add(1)
	go func() {
		defer ar.pumps.Done()
		for line := range proc.Lines() {
			b.Publish(line)
		}
	}()
}

// drain discards a child's remaining output so its reader can finish.
func drain(proc *supervisor.Process) {
	for range proc.Lines() {
	}
}

// probeArgs maps the run config onto the probe's argument vector.
func probeArgs(cfg domain.RunConfig) []string {
	args := []string{
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--path", cfg.Path,
		"--delay", strconv.FormatFloat(cfg.WithholdSeconds, 'f', -1, 64),
		"--start-after-bytes", strconv.FormatInt(cfg.StartAfterBytes, 10),
		"--ping-interval", strconv.FormatFloat(cfg.PingIntervalSeconds, 'f', -1, 64),
	}
	if cfg.IP != "" {
		args = append(args, "--ip", cfg.IP)
	}
	return args
}
