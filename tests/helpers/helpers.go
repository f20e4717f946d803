// Package helpers provides shared test fixtures.
package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xiaot623/flowlab/internal/repository"
)

// NewTestSQLiteStore creates an in-memory run store.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// WriteScript drops an executable shell script into dir and returns its
// path. Used to stand in for the probe and capture binaries.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script %s: %v", name, err)
	}
	return path
}

// ProbeScript is a stand-in probe: logs a few lines, then idles until
// terminated.
const ProbeScript = `echo "CONN connected"
echo "H2 request_sent"
trap 'echo "STATE exit"; exit 0' TERM
while :; do sleep 0.1; done
`

// ProbeScriptExit0 is a stand-in probe that completes naturally. It
// lingers briefly so the capture stand-in gets to write its file.
const ProbeScriptExit0 = `sleep 0.3
echo "H2 stream_ended"
echo "STATE exit code=0"
exit 0
`

// ProbeScriptExit1 is a stand-in probe that crashes.
const ProbeScriptExit1 = `sleep 0.3
echo "ERR unexpected"
exit 1
`

// CaptureScript mimics the capture tool: finds the -w output path in its
// argument vector, writes bytes to it, then idles until terminated.
const CaptureScript = `trap 'exit 0' TERM
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-w" ]; then out="$a"; fi
  prev="$a"
done
printf 'pcapdata' > "$out"
echo "listening on $out"
while :; do sleep 0.1; done
`
