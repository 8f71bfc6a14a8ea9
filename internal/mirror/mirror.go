// Package mirror copies process/ artifacts from agent workspaces into
// the shared workspace and assembles review bundles for validating
// tasks.
package mirror

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
)

// MirrorResult describes one mirror attempt. Errors land in the Error
// string; the caller's transition never fails because of the mirror.
type MirrorResult struct {
	TaskID      string `json:"taskId"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	FilesCopied int    `json:"filesCopied"`
	Error       string `json:"error,omitempty"`
}

// Mirror watches for validating/done transitions (via the board's
// Mirrorer port) and copies the task's artifact path into the shared
// workspace root.
type Mirror struct {
	ws     config.Workspace
	logger *log.Logger

	mu      sync.Mutex
	results map[string]MirrorResult // taskID -> last attempt
}

// New creates the mirror.
func New(ws config.Workspace, logger *log.Logger) *Mirror {
	return &Mirror{ws: ws, logger: logger, results: make(map[string]MirrorResult)}
}

// MirrorArtifacts satisfies board.Mirrorer.
func (m *Mirror) MirrorArtifacts(t domain.Task) {
	res := m.Run(t)
	if res.Error != "" {
		m.logger.Printf("Mirror: %s: %s", t.ID, res.Error)
		return
	}
	if res.FilesCopied > 0 {
		m.logger.Printf("Mirror: %s: copied %d file(s) %s -> %s", t.ID, res.FilesCopied, res.Source, res.Destination)
	}
}

// Run mirrors the task's artifact path and records the result. Tasks
// without a process/ artifact path are a silent no-op.
func (m *Mirror) Run(t domain.Task) MirrorResult {
	res := MirrorResult{TaskID: t.ID}
	artifact := t.MetaString(domain.MetaArtifactPath)
	if !strings.HasPrefix(artifact, "process/") {
		return res
	}
	defer func() {
		m.mu.Lock()
		m.results[t.ID] = res
		m.mu.Unlock()
	}()

	if m.ws.SharedRoot == "" {
		res.Error = "shared workspace root is not configured"
		return res
	}
	src, ok := m.findSource(artifact, t.Assignee)
	if !ok {
		res.Error = fmt.Sprintf("artifact %s not found in any workspace root", artifact)
		return res
	}
	res.Source = src
	res.Destination = filepath.Join(m.ws.SharedRoot, artifact)

	n, err := copyTree(src, res.Destination)
	res.FilesCopied = n
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Result returns the last mirror attempt for a task.
func (m *Mirror) Result(taskID string) (MirrorResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[taskID]
	return res, ok
}

// findSource probes the candidate roots in priority order: explicit
// override, the assignee's own workspace, the plain workspace, then any
// other workspace-* directory under the state dir.
func (m *Mirror) findSource(artifact, assignee string) (string, bool) {
	for _, root := range m.candidateRoots(assignee) {
		p := filepath.Join(root, artifact)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func (m *Mirror) candidateRoots(assignee string) []string {
	var roots []string
	if m.ws.Root != "" {
		roots = append(roots, m.ws.Root)
	}
	if m.ws.StateDir != "" {
		if assignee != "" {
			roots = append(roots, filepath.Join(m.ws.StateDir, "workspace-"+sanitizeAgent(assignee)))
		}
		roots = append(roots, filepath.Join(m.ws.StateDir, "workspace"))
		if matches, err := filepath.Glob(filepath.Join(m.ws.StateDir, "workspace-*")); err == nil {
			roots = append(roots, matches...)
		}
	}
	seen := make(map[string]bool, len(roots))
	out := roots[:0]
	for _, r := range roots {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

var agentSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeAgent maps an agent name onto the workspace directory naming
// scheme.
func sanitizeAgent(name string) string {
	return agentSanitizer.ReplaceAllString(strings.ToLower(name), "-")
}

// copyTree copies a file, or a directory recursively, creating
// destination directories as needed. Returns the number of files
// copied.
func copyTree(src, dst string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	copied := 0
	err = filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		n, err := copyFile(path, target)
		copied += n
		return err
	})
	return copied, err
}

func copyFile(src, dst string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return 0, err
	}
	return 1, out.Close()
}
