package processor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// workspace is the scoped temp directory a job stages its source bytes and
// intermediate artifacts in. It is acquired before any other I/O and
// released on every exit path of the handler; releasing twice is harmless.
type workspace struct {
	root string
}

func newWorkspace(baseDir string, jobID string) (*workspace, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	root := filepath.Join(baseDir, fmt.Sprintf("job-%s-%s", jobID, uuid.NewString()))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace for job %s: %w", jobID, err)
	}

	return &workspace{root: root}, nil
}

func (ws *workspace) path(name string) string {
	return filepath.Join(ws.root, name)
}

// release removes the workspace and everything in it. Cleanup failures are
// logged rather than returned so they can never mask the job's own outcome.
func (ws *workspace) release() {
	if err := os.RemoveAll(ws.root); err != nil {
		log.Warnf("Failed to release job workspace %s: %s\n", ws.root, err)
	}
}
