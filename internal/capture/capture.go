// Package capture wraps the packet-capture tool and owns its artifact
// files.
package capture

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xiaot623/flowlab/internal/domain"
	"github.com/xiaot623/flowlab/internal/supervisor"
)

// Manager supervises one capture-tool process at a time and keys its
// artifact files by run identity.
type Manager struct {
	bin string
	dir string
}

// NewManager creates a capture manager writing artifacts under dir.
func NewManager(bin, dir string) *Manager {
	return &Manager{bin: bin, dir: dir}
}

// ArtifactPath derives the artifact file path for a run identity.
func (m *Manager) ArtifactPath(runID string) string {
	return filepath.Join(m.dir, runID+".pcap")
}

// Args builds the capture-tool argument vector: bind to the interface,
// write packet-buffered to the output file, restrict to the target port.
func (m *Manager) Args(iface, outPath string, port int) []string {
	args := []string{"-i", iface, "-U", "-w", outPath}
	if port > 0 {
		args = append(args, "port", strconv.Itoa(port))
	}
	return args
}

// Start spawns the capture tool for the given run. Spawn failure is
// reported as a capture spawn error; a missing raw-socket capability
// shows up either here or as an immediate child exit.
func (m *Manager) Start(runID, iface string, port int) (*supervisor.Process, string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, "", domain.NewError(domain.CodeCaptureSpawnFailed, "create capture dir", err)
	}
	outPath := m.ArtifactPath(runID)
	proc, err := supervisor.Spawn(m.bin, m.Args(iface, outPath, port))
	if err != nil {
		return nil, "", domain.NewError(domain.CodeCaptureSpawnFailed, fmt.Sprintf("spawn %s", m.bin), err)
	}
	return proc, outPath, nil
}

// Stop requests graceful termination so the tool can flush its file
// buffers, escalating to a kill after the grace window, and waits for
// the exit notification.
func (m *Manager) Stop(proc *supervisor.Process, grace time.Duration) supervisor.ExitStatus {
	proc.Terminate(grace)
	return <-proc.Done()
}

// Seal verifies the artifact exists on disk after the capture process
// exited. From here on the file is read-only.
func (m *Manager) Seal(runID string) (string, error) {
	path := m.ArtifactPath(runID)
	info, err := os.Stat(path)
	if err != nil {
		return "", domain.NewError(domain.CodeArtifactUnavailable, fmt.Sprintf("artifact for %s", runID), err)
	}
	if info.Size() == 0 {
		log.Printf("WARN: capture artifact %s is empty", path)
	}
	return path, nil
}

// Remove deletes the artifact for a superseded run. Missing files are
// not an error.
func (m *Manager) Remove(runID string) error {
	err := os.Remove(m.ArtifactPath(runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
