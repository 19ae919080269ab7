package docker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/sandbox"
)

// Container labels used to find and reclaim sandboxes, including ones
// leaked by a crashed process.
const (
	labelManaged   = "backportd.managed"
	labelJobID     = "backportd.job_id"
	labelExpiresAt = "backportd.expires_at"
	labelWorkspace = "backportd.workspace"
)

const (
	containerWorkspace = "/workspace"
	containerRepoDir   = "/workspace/repo"

	defaultTTL = 30 * time.Minute
)

// Provisioner creates Docker-backed sandboxes: one container per job
// attempt, bind-mounted on a host workspace directory.
type Provisioner struct {
	client  *Client
	cfg     config.SandboxConfig
	catalog *sandbox.Catalog
	logger  *logger.Logger

	mu     sync.Mutex
	pulled map[string]bool
}

var _ sandbox.Provisioner = (*Provisioner)(nil)

// NewProvisioner wires a provisioner over a shared Docker client. The
// client's lifecycle belongs to the caller.
func NewProvisioner(client *Client, cfg config.SandboxConfig, catalog *sandbox.Catalog, logr *logger.Logger) *Provisioner {
	return &Provisioner{
		client:  client,
		cfg:     cfg,
		catalog: catalog,
		logger:  logr.WithFields(zap.String("component", "sandbox-provisioner")),
		pulled:  make(map[string]bool),
	}
}

// Acquire provisions a fresh sandbox for one job attempt.
func (p *Provisioner) Acquire(ctx context.Context, jobID string, repo string) (sandbox.Sandbox, error) {
	profile := p.catalog.For(repo)
	if profile.Image == "" {
		return nil, fmt.Errorf("no sandbox image configured for %s", repo)
	}
	if err := p.ensureImage(ctx, profile.Image); err != nil {
		return nil, err
	}

	hostDir, err := p.createWorkspace()
	if err != nil {
		return nil, err
	}

	ttl := defaultTTL
	switch {
	case profile.TTL > 0:
		ttl = time.Duration(profile.TTL) * time.Second
	case p.cfg.TTL > 0:
		ttl = time.Duration(p.cfg.TTL) * time.Second
	}
	deadline := time.Now().UTC().Add(ttl)

	// Image entrypoints vary (alpine/git runs git), so pin the process to a
	// long sleep and drive everything through exec.
	containerID, err := p.client.CreateContainer(ctx, ContainerConfig{
		Name:       sandboxName(jobID),
		Image:      profile.Image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"2147483647"},
		Env:        profile.Env,
		WorkingDir: containerWorkspace,
		Mounts: []MountConfig{
			{Source: hostDir, Target: containerWorkspace},
		},
		NetworkMode: profile.Network,
		Memory:      int64(profile.MemoryMB) << 20,
		CPUQuota:    profile.CPUQuota,
		Labels: map[string]string{
			labelManaged:   "true",
			labelJobID:     jobID,
			labelExpiresAt: deadline.Format(time.RFC3339),
			labelWorkspace: hostDir,
		},
	})
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}

	if err := p.client.StartContainer(ctx, containerID); err != nil {
		_ = p.client.RemoveContainer(ctx, containerID, true)
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}

	p.logger.Info("Sandbox acquired",
		zap.String("job_id", jobID),
		zap.String("container_id", containerID),
		zap.String("image", profile.Image),
		zap.String("workspace", hostDir))

	return &dockerSandbox{
		client:      p.client,
		containerID: containerID,
		hostDir:     hostDir,
		deadline:    deadline,
		logger:      p.logger.WithSandboxID(containerID),
	}, nil
}

// Release tears a sandbox down. It is safe to call twice and never leaves
// the container behind just because the workspace removal failed.
func (p *Provisioner) Release(ctx context.Context, sb sandbox.Sandbox) error {
	dsb, ok := sb.(*dockerSandbox)
	if !ok {
		return fmt.Errorf("foreign sandbox handle %T", sb)
	}

	dsb.mu.Lock()
	if dsb.released {
		dsb.mu.Unlock()
		return nil
	}
	dsb.released = true
	dsb.mu.Unlock()

	var firstErr error
	if err := p.client.RemoveContainer(ctx, dsb.containerID, true); err != nil {
		firstErr = err
	}
	if err := os.RemoveAll(dsb.hostDir); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to remove workspace %s: %w", dsb.hostDir, err)
	}

	if firstErr != nil {
		p.logger.Warn("Sandbox release incomplete",
			zap.String("container_id", dsb.containerID),
			zap.Error(firstErr))
		return firstErr
	}

	p.logger.Info("Sandbox released", zap.String("container_id", dsb.containerID))
	return nil
}

// Ping reports whether the Docker engine is reachable.
func (p *Provisioner) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close releases nothing: the Docker client is shared and caller-owned.
func (p *Provisioner) Close() error {
	return nil
}

func (p *Provisioner) ensureImage(ctx context.Context, imageName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pulled[imageName] {
		return nil
	}
	if err := p.client.PullImage(ctx, imageName); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	p.pulled[imageName] = true
	return nil
}

func (p *Provisioner) createWorkspace() (string, error) {
	base := p.cfg.WorkspaceBasePath
	if base == "" {
		base = filepath.Join(os.TempDir(), "backportd")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace base %s: %w", base, err)
	}
	hostDir, err := os.MkdirTemp(base, "sbx-*")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(hostDir, "repo"), 0o755); err != nil {
		os.RemoveAll(hostDir)
		return "", fmt.Errorf("failed to create repo dir: %w", err)
	}
	return hostDir, nil
}

// sandboxName builds a unique container name; the job id alone is not
// enough because a crashed attempt's container may linger until the reaper
// claims it.
func sandboxName(jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("backportd-sbx-%s-%s", short, uuid.New().String()[:8])
}

// dockerSandbox is a live handle to one container and its workspace. The
// deadline is the sandbox's hard wall-clock budget; every exec runs under
// it so a wedged command cannot hold a job open past the TTL.
type dockerSandbox struct {
	client      *Client
	containerID string
	hostDir     string
	deadline    time.Time
	logger      *logger.Logger

	mu       sync.Mutex
	released bool
}

var _ sandbox.Sandbox = (*dockerSandbox)(nil)

func (s *dockerSandbox) ID() string {
	return s.containerID
}

func (s *dockerSandbox) RepoDir() string {
	return containerRepoDir
}

func (s *dockerSandbox) Exec(ctx context.Context, dir string, name string, args ...string) (*sandbox.ExecResult, error) {
	if s.isReleased() {
		return nil, sandbox.ErrReleased
	}
	ctx, cancel := context.WithDeadline(ctx, s.deadline)
	defer cancel()
	exitCode, stdout, stderr, err := s.client.Exec(ctx, s.containerID, ExecConfig{
		WorkingDir: dir,
		Cmd:        append([]string{name}, args...),
	})
	if err != nil {
		return nil, err
	}
	return &sandbox.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// ReadFile reads a repository file through the bind-mounted workspace.
func (s *dockerSandbox) ReadFile(rel string) ([]byte, error) {
	if s.isReleased() {
		return nil, sandbox.ErrReleased
	}
	hostPath, err := s.hostPath(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(hostPath)
}

// WriteFile replaces a repository file through the bind-mounted workspace.
func (s *dockerSandbox) WriteFile(rel string, content []byte) error {
	if s.isReleased() {
		return sandbox.ErrReleased
	}
	hostPath, err := s.hostPath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", rel, err)
	}
	return os.WriteFile(hostPath, content, 0o644)
}

func (s *dockerSandbox) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *dockerSandbox) hostPath(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", fmt.Errorf("invalid repository path %q", rel)
	}
	return filepath.Join(s.hostDir, "repo", filepath.FromSlash(rel)), nil
}
