package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnforcer_CapabilityGating(t *testing.T) {
	e := NewEnforcer([]string{CapabilityFSTemp}, t.TempDir())

	if !e.HasCapability(CapabilityFSTemp) {
		t.Error("Expected fs:temp to be granted")
	}
	if e.HasCapability(CapabilityNetOutbound) {
		t.Error("Expected net:outbound to be denied")
	}

	if err := e.ValidateCapabilities([]string{CapabilityFSTemp}); err != nil {
		t.Errorf("Expected granted capabilities to validate: %v", err)
	}
	if err := e.ValidateCapabilities([]string{CapabilityEnvRead}); err == nil {
		t.Error("Expected missing capability to fail validation")
	}
}

func TestEnforcer_TempFiles(t *testing.T) {
	dir := t.TempDir()
	e := NewEnforcer([]string{CapabilityFSTemp}, dir)

	if err := e.WriteTempFile("scratch.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("WriteTempFile failed: %v", err)
	}

	data, err := e.ReadTempFile("scratch.json")
	if err != nil {
		t.Fatalf("ReadTempFile failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Unexpected content: %s", data)
	}

	if err := e.DeleteTempFile("scratch.json"); err != nil {
		t.Fatalf("DeleteTempFile failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "scratch.json")); !os.IsNotExist(err) {
		t.Error("Expected file to be deleted")
	}
}

func TestEnforcer_PathTraversal(t *testing.T) {
	e := NewEnforcer([]string{CapabilityFSTemp}, t.TempDir())

	if err := e.WriteTempFile("../escape.txt", []byte("x")); err == nil {
		t.Error("Expected path traversal to be rejected")
	}
	if _, err := e.ReadTempFile("../../etc/hosts"); err == nil {
		t.Error("Expected path traversal to be rejected")
	}
}

func TestEnforcer_DeniedWithoutCapability(t *testing.T) {
	e := NewEnforcer(nil, t.TempDir())

	if err := e.WriteTempFile("x", []byte("x")); err == nil {
		t.Error("Expected fs:temp denial")
	}
	if _, err := e.ReadEnv("HOME"); err == nil {
		t.Error("Expected env:read denial")
	}
}

func TestEnforcer_SensitiveEnvVars(t *testing.T) {
	e := NewEnforcer([]string{CapabilityEnvRead}, t.TempDir())

	for _, key := range []string{"GITHUB_TOKEN", "DB_PASSWORD", "STRIPE_API_KEY"} {
		if _, err := e.ReadEnv(key); err == nil {
			t.Errorf("Expected %s to be denied", key)
		}
	}

	if _, err := e.ReadEnv("HOME"); err != nil {
		t.Errorf("Expected HOME to be readable: %v", err)
	}
}
