// Package sandbox defines the isolated-workspace contract for backport
// execution. A sandbox is a short-lived environment with a git binary and a
// writable workspace; the executor runs every repository operation inside
// one and never touches the host checkout directly.
package sandbox

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable means the provisioner backend cannot be reached.
	ErrUnavailable = errors.New("sandbox provisioner unavailable")
	// ErrReleased means the handle was used after Release.
	ErrReleased = errors.New("sandbox already released")
)

// ExecResult is the outcome of one command run inside a sandbox. A nonzero
// exit code is not an error at this layer; callers decide what a failed
// command means.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout and stderr joined for log lines and error messages.
func (r *ExecResult) Output() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// Sandbox is a live handle to one provisioned environment. File paths are
// relative to the repository directory; Exec commands name their working
// directory explicitly.
type Sandbox interface {
	// ID identifies the sandbox for logs and release.
	ID() string
	// RepoDir is the in-sandbox path of the repository checkout.
	RepoDir() string
	// Exec runs one command to completion inside the sandbox.
	Exec(ctx context.Context, dir string, name string, args ...string) (*ExecResult, error)
	// ReadFile reads a file by repository-relative path.
	ReadFile(path string) ([]byte, error)
	// WriteFile replaces a file by repository-relative path.
	WriteFile(path string, content []byte) error
}

// Provisioner acquires and releases sandboxes. Release must be tolerant:
// it is called unconditionally on every execution path, including after
// provisioning partially failed.
type Provisioner interface {
	Acquire(ctx context.Context, jobID string, repo string) (Sandbox, error)
	Release(ctx context.Context, sb Sandbox) error
	// Ping reports whether the backing runtime is reachable.
	Ping(ctx context.Context) error
	Close() error
}
