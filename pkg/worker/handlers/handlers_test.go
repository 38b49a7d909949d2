package handlers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

func TestExecHandler_CapturesOutput(t *testing.T) {
	handler := &ExecHandler{}

	result, err := handler.Handle(context.Background(), &protocol.ExecParams{
		Command:    "echo hello",
		CaptureOut: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("Expected stdout hello, got %q", result.Stdout)
	}
}

func TestExecHandler_NonZeroExitIsNotAnError(t *testing.T) {
	handler := &ExecHandler{}

	result, err := handler.Handle(context.Background(), &protocol.ExecParams{
		Command: "exit 3",
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
}

func TestExecHandler_ArgsBypassShell(t *testing.T) {
	handler := &ExecHandler{}

	result, err := handler.Handle(context.Background(), &protocol.ExecParams{
		Command:    "echo",
		Args:       []string{"$HOME"},
		CaptureOut: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	// With explicit args there is no shell, so $HOME stays literal.
	if strings.TrimSpace(result.Stdout) != "$HOME" {
		t.Errorf("Expected literal $HOME, got %q", result.Stdout)
	}
}

func TestExecHandler_Env(t *testing.T) {
	handler := &ExecHandler{}

	result, err := handler.Handle(context.Background(), &protocol.ExecParams{
		Command:    "echo $PROBE_TOKEN",
		Env:        map[string]string{"PROBE_TOKEN": "tk-42"},
		CaptureOut: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "tk-42" {
		t.Errorf("Expected tk-42, got %q", result.Stdout)
	}
}

func TestExecHandler_MissingCommand(t *testing.T) {
	handler := &ExecHandler{}

	if _, err := handler.Handle(context.Background(), &protocol.ExecParams{}, nil); err == nil {
		t.Fatal("Expected error for missing command")
	}
}

func TestArtifactReadHandler_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xml")
	content := []byte("<testsuite tests=\"12\" failures=\"0\"/>")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}

	handler := &ArtifactReadHandler{}
	result, err := handler.Handle(context.Background(), &protocol.ArtifactReadParams{Path: path}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if result.Content != string(content) {
		t.Errorf("Unexpected content: %q", result.Content)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), result.Size)
	}
	if result.Truncated {
		t.Error("Expected untruncated read")
	}

	want := fmt.Sprintf("%x", sha256.Sum256(content))
	if result.Checksum != want {
		t.Errorf("Checksum mismatch: got %s, want %s", result.Checksum, want)
	}
}

func TestArtifactReadHandler_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}

	handler := &ArtifactReadHandler{}
	result, err := handler.Handle(context.Background(), &protocol.ArtifactReadParams{
		Path:     path,
		MaxBytes: 10,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(result.Content) != 10 {
		t.Errorf("Expected 10 bytes, got %d", len(result.Content))
	}
	if !result.Truncated {
		t.Error("Expected truncated read")
	}
	if result.Size != 100 {
		t.Errorf("Expected full size 100, got %d", result.Size)
	}
}

func TestArtifactReadHandler_MissingFile(t *testing.T) {
	handler := &ArtifactReadHandler{}

	_, err := handler.Handle(context.Background(), &protocol.ArtifactReadParams{
		Path: filepath.Join(t.TempDir(), "absent.xml"),
	}, nil)
	if err == nil {
		t.Fatal("Expected error for missing artifact")
	}
}

func TestSourceScanHandler_MatchesTestFiles(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "tests/test_login.py", "def test_login(): pass\n")
	writeScanFile(t, root, "tests/helpers.py", "def helper(): pass\n")
	writeScanFile(t, root, "pkg/auth/auth_test.go", "package auth\n")
	writeScanFile(t, root, ".git/objects/test_hidden.py", "ignored\n")
	writeScanFile(t, root, "node_modules/dep/test_dep.py", "ignored\n")

	handler := &SourceScanHandler{}
	result, err := handler.Handle(context.Background(), &protocol.SourceScanParams{Root: root}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	paths := make(map[string]bool)
	for _, f := range result.Files {
		paths[f.Path] = true
	}
	if len(paths) != 2 {
		t.Fatalf("Expected 2 files, got %d: %v", len(paths), paths)
	}
	if !paths[filepath.Join("tests", "test_login.py")] {
		t.Error("Expected tests/test_login.py to match")
	}
	if !paths[filepath.Join("pkg", "auth", "auth_test.go")] {
		t.Error("Expected pkg/auth/auth_test.go to match")
	}
}

func TestSourceScanHandler_IncludeContent(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "test_api.py", "def test_api(): assert True\n")

	handler := &SourceScanHandler{}
	result, err := handler.Handle(context.Background(), &protocol.SourceScanParams{
		Root:           root,
		IncludeContent: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(result.Files) != 1 {
		t.Fatalf("Expected 1 file, got %d", len(result.Files))
	}
	if !strings.Contains(result.Files[0].Content, "def test_api") {
		t.Errorf("Expected content, got %q", result.Files[0].Content)
	}
}

func TestSourceScanHandler_FileLimit(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeScanFile(t, root, fmt.Sprintf("test_%d.py", i), "pass\n")
	}

	handler := &SourceScanHandler{}
	result, err := handler.Handle(context.Background(), &protocol.SourceScanParams{
		Root:     root,
		MaxFiles: 3,
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(result.Files) != 3 {
		t.Errorf("Expected 3 files, got %d", len(result.Files))
	}
	if !result.Truncated {
		t.Error("Expected truncated result")
	}
}

func TestSourceScanHandler_CustomPatterns(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "policy.rego", "package compliance\n")
	writeScanFile(t, root, "test_other.py", "pass\n")

	handler := &SourceScanHandler{}
	result, err := handler.Handle(context.Background(), &protocol.SourceScanParams{
		Root:     root,
		Patterns: []string{"*.rego"},
	}, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(result.Files) != 1 || result.Files[0].Path != "policy.rego" {
		t.Errorf("Expected only policy.rego, got %+v", result.Files)
	}
}

func TestSourceScanHandler_MissingRoot(t *testing.T) {
	handler := &SourceScanHandler{}

	_, err := handler.Handle(context.Background(), &protocol.SourceScanParams{
		Root: filepath.Join(t.TempDir(), "absent"),
	}, nil)
	if err == nil {
		t.Fatal("Expected error for missing root")
	}
}

func writeScanFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}
