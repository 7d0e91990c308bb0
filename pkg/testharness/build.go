package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// BuildBinaries compiles the maidel and mockbackend binaries into outputDir.
// Returns the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if projectRoot == "" {
		return "", "", fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return "", "", fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	maidelPath := filepath.Join(outputDir, "maidel")
	if err := runGoBuild(ctx, projectRoot, maidelPath, "./cmd/maidel"); err != nil {
		return "", "", err
	}

	mockPath, err := BuildMockBackend(ctx, projectRoot, outputDir)
	if err != nil {
		return "", "", err
	}

	return maidelPath, mockPath, nil
}

// BuildMockBackend compiles cmd/mockbackend into outputDir.
func BuildMockBackend(ctx context.Context, projectRoot, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	mockPath := filepath.Join(outputDir, "mockbackend")
	if err := runGoBuild(ctx, projectRoot, mockPath, "./cmd/mockbackend"); err != nil {
		return "", err
	}
	return mockPath, nil
}

var (
	mockOnce sync.Once
	mockPath string
	mockErr  error
)

// MockBackendPath builds the mock backend once per test binary and returns its path.
func MockBackendPath(t testing.TB) string {
	t.Helper()

	mockOnce.Do(func() {
		root, err := DetectRepoRoot()
		if err != nil {
			mockErr = err
			return
		}
		dir, err := os.MkdirTemp("", "maidel-mockbackend-")
		if err != nil {
			mockErr = fmt.Errorf("failed to create build dir: %w", err)
			return
		}
		mockPath, mockErr = BuildMockBackend(context.Background(), root, dir)
	})

	if mockErr != nil {
		t.Fatalf("failed to build mock backend: %v", mockErr)
	}
	return mockPath
}

// DetectRepoRoot walks up from the working directory to the directory holding go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	env = setEnv(env, "GOFLAGS", "-trimpath")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
