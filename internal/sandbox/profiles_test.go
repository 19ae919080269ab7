package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCatalog_EmptyPathUsesFallback(t *testing.T) {
	catalog, err := LoadCatalog("", Profile{Image: "alpine/git:latest", MemoryMB: 512})
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	p := catalog.For("any/repo")
	if p.Image != "alpine/git:latest" || p.MemoryMB != 512 {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestLoadCatalog_RepoOverridesInheritDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `default:
  image: alpine/git:latest
  memory_mb: 512
  network: bridge
repos:
  acme/widget:
    image: ghcr.io/acme/build:latest
    memory_mb: 2048
  acme/docs: {}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write profiles: %v", err)
	}

	catalog, err := LoadCatalog(path, Profile{Image: "fallback:latest", CPUQuota: 50000})
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	widget := catalog.For("acme/widget")
	if widget.Image != "ghcr.io/acme/build:latest" {
		t.Errorf("image = %q", widget.Image)
	}
	if widget.MemoryMB != 2048 {
		t.Errorf("memory = %d", widget.MemoryMB)
	}
	if widget.Network != "bridge" {
		t.Errorf("network = %q, want inherited bridge", widget.Network)
	}
	if widget.CPUQuota != 50000 {
		t.Errorf("cpu_quota = %d, want inherited fallback", widget.CPUQuota)
	}

	docs := catalog.For("acme/docs")
	if docs.Image != "alpine/git:latest" {
		t.Errorf("empty repo entry should inherit default image, got %q", docs.Image)
	}

	other := catalog.For("unlisted/repo")
	if other.Image != "alpine/git:latest" || other.MemoryMB != 512 {
		t.Errorf("unlisted repo should get default: %+v", other)
	}
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog("/nonexistent/profiles.yaml", Profile{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExecResultOutput(t *testing.T) {
	cases := []struct {
		name   string
		result ExecResult
		want   string
	}{
		{"both", ExecResult{Stdout: "out\n", Stderr: "err\n"}, "out\nerr"},
		{"stdout only", ExecResult{Stdout: "out"}, "out"},
		{"stderr only", ExecResult{Stderr: "fatal: bad ref"}, "fatal: bad ref"},
		{"empty", ExecResult{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.result.Output(); got != tc.want {
				t.Errorf("Output() = %q, want %q", got, tc.want)
			}
		})
	}
}
