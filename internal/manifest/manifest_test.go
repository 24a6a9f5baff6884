package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractFirstService(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
services:
  web:
    ports:
      - "8080:80"
    volumes:
      - ./data:/data
    environment:
      FOO: bar
  worker:
    ports:
      - "9090:90"
`)

	spec := New("./config").Extract(dir, "fallback")

	if spec.ContainerName != "web" {
		t.Fatalf("expected first service name, got %q", spec.ContainerName)
	}
	if spec.Ports["8080"] != "80" {
		t.Fatalf("expected port 8080->80, got %v", spec.Ports)
	}
	if spec.InternalPort != 80 {
		t.Fatalf("expected internal port 80, got %d", spec.InternalPort)
	}
	if spec.Volumes["./data"] != "/data" {
		t.Fatalf("expected volume ./data->/data, got %v", spec.Volumes)
	}
	if spec.Env["FOO"] != "bar" {
		t.Fatalf("expected env FOO=bar, got %v", spec.Env)
	}
	if _, ok := spec.Ports["9090"]; ok {
		t.Fatal("second service leaked into spec")
	}
}

func TestExtractContainerNameWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
services:
  web:
    container_name: my-app
`)
	spec := New("./config").Extract(dir, "fallback")
	if spec.ContainerName != "my-app" {
		t.Fatalf("expected container_name override, got %q", spec.ContainerName)
	}
}

func TestExtractEnvironmentListForm(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
services:
  app:
    environment:
      - FOO=bar
      - BAZ=qux
`)
	spec := New("./config").Extract(dir, "app")
	if spec.Env["FOO"] != "bar" || spec.Env["BAZ"] != "qux" {
		t.Fatalf("list-form environment not parsed: %v", spec.Env)
	}
}

func TestExtractMissingManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	spec := New("./config").Extract(dir, "fallback")

	if spec.ContainerName != "fallback" {
		t.Fatalf("expected fallback name, got %q", spec.ContainerName)
	}
	if spec.InternalPort != DefaultInternalPort {
		t.Fatalf("expected default internal port, got %d", spec.InternalPort)
	}
	if spec.Volumes["./config"] != DefaultConfigMount {
		t.Fatalf("expected conventional config volume, got %v", spec.Volumes)
	}
	if len(spec.Env) != 0 {
		t.Fatalf("expected empty environment, got %v", spec.Env)
	}
}

func TestExtractMalformedManifestDegradesToDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "services: [not: valid: yaml\n")
	spec := New("./config").Extract(dir, "fallback")
	if spec.ContainerName != "fallback" || spec.InternalPort != DefaultInternalPort {
		t.Fatalf("malformed manifest did not degrade to defaults: %+v", spec)
	}
}

func TestMergeOverridesWinPerField(t *testing.T) {
	spec := domain.LaunchSpec{
		ContainerName: "web",
		InternalPort:  80,
		Ports:         map[string]string{"8080": "80"},
		Volumes:       map[string]string{"./data": "/data"},
		Env:           map[string]string{"FOO": "bar"},
	}
	merged := Merge(spec, domain.SpecOverrides{
		ContainerName: "custom",
		Env:           map[string]string{"FOO": "override"},
	})

	if merged.ContainerName != "custom" {
		t.Fatalf("container name override not applied: %q", merged.ContainerName)
	}
	if merged.Env["FOO"] != "override" {
		t.Fatalf("env override not applied: %v", merged.Env)
	}
	// Untouched fields keep their extracted values.
	if merged.Ports["8080"] != "80" || merged.InternalPort != 80 {
		t.Fatalf("unrelated fields changed: %+v", merged)
	}
}
