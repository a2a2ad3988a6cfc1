package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/types"
)

const (
	// Sentinel is the fixed completion marker agents print after their
	// JSON result line.
	Sentinel = "__AGENT_DONE__"

	// OutDirName is the workspace subdirectory agents write artifacts to
	OutDirName = "out"

	homeDirName = "home"
)

// Request describes one agent execution
type Request struct {
	Kind            string // Agent kind, used for workspace naming
	Cmd             string
	Args            []string
	WorkspaceFiles  map[string][]byte
	Env             map[string]string
	OperationID     string
	StdinInput      string
	RequiresNetwork bool
	Secrets         []string // Values to redact from captured output
}

// LogSink receives streamed agent log lines
type LogSink interface {
	AppendLog(opID, line string)
}

// Runtime executes agents in isolation. Implementations must remove the
// workspace unconditionally, including after timeouts and panics.
type Runtime interface {
	Execute(ctx context.Context, req Request, sink LogSink) (*types.ExecResult, error)
}

// concurrencySlots builds the agent execution semaphore. Both runtimes
// gate on it; the container runtime does not rely on the daemon for
// admission control.
func concurrencySlots(maxConcurrent int64) *semaphore.Weighted {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return semaphore.NewWeighted(maxConcurrent)
}

// workspace is a per-execution scratch directory with the agreed layout:
// staged input files at the root, out/ for artifacts, a private home.
type workspace struct {
	root string
	out  string
	home string
}

// newWorkspace creates a fresh mode-0700 workspace under parent
func newWorkspace(parent, kind string) (*workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}

	root, err := os.MkdirTemp(parent, kind+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := os.Chmod(root, 0o700); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to restrict workspace: %w", err)
	}

	ws := &workspace{
		root: root,
		out:  filepath.Join(root, OutDirName),
		home: filepath.Join(root, homeDirName),
	}
	for _, dir := range []string{ws.out, ws.home} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}
	return ws, nil
}

// remove deletes the workspace. Callers defer this so cleanup survives
// panics and timeouts.
func (w *workspace) remove() {
	if err := os.RemoveAll(w.root); err != nil {
		log.WithComponent("sandbox").Error().
			Str("workspace", w.root).
			Err(err).
			Msg("failed to remove workspace")
	}
}

// stage writes input files into the workspace root. Filenames are resolved
// against the root and refused when they escape it.
func (w *workspace) stage(files map[string][]byte) error {
	for name, content := range files {
		dest, err := w.resolve(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return fmt.Errorf("failed to create staging dir: %w", err)
		}
		if err := os.WriteFile(dest, content, 0o600); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}
	return nil
}

// resolve maps a staged filename to its absolute path, rejecting escapes
// by path resolution rather than string prefix comparison.
func (w *workspace) resolve(name string) (string, error) {
	dest := filepath.Join(w.root, filepath.Clean(name))
	rel, err := filepath.Rel(w.root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errdefs.Sandbox(nil, "filename %q escapes workspace", name)
	}
	return dest, nil
}

// collectArtifacts reads files from the out/ directory. The container
// runtime reads only direct children; the process runtime walks
// recursively.
func (w *workspace) collectArtifacts(recursive bool) ([]types.ExecArtifact, error) {
	var artifacts []types.ExecArtifact

	walk := func(path string, info os.FileInfo) error {
		if !info.Mode().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read artifact %s: %w", path, err)
		}
		rel, err := filepath.Rel(w.out, path)
		if err != nil {
			return fmt.Errorf("failed to relativize artifact path: %w", err)
		}
		artifacts = append(artifacts, types.ExecArtifact{
			Name:         filepath.Base(path),
			Bytes:        content,
			Size:         info.Size(),
			RelativePath: rel,
		})
		return nil
	}

	if recursive {
		err := filepath.Walk(w.out, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			return walk(path, info)
		})
		if err != nil {
			return nil, err
		}
		return artifacts, nil
	}

	entries, err := os.ReadDir(w.out)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := walk(filepath.Join(w.out, entry.Name()), info); err != nil {
			return nil, err
		}
	}
	return artifacts, nil
}

// Redact replaces each secret in s with its first four characters followed
// by a redaction marker.
func Redact(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		prefix := secret
		if len(prefix) > 4 {
			prefix = prefix[:4]
		}
		s = strings.ReplaceAll(s, secret, prefix+"[REDACTED]")
	}
	return s
}

// buildEnv converts the request's minimized environment to exec form. No
// variables are inherited from the server process.
func buildEnv(req Request, ws *workspace) []string {
	env := []string{
		"HOME=" + ws.home,
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TMPDIR=" + ws.root,
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}
