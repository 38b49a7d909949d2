package plugins

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Capabilities a plugin may request in its manifest.
const (
	// CapabilityNetOutbound allows outbound HTTP requests.
	CapabilityNetOutbound = "net:outbound"

	// CapabilityFSTemp allows scratch files in a sandboxed temp directory.
	CapabilityFSTemp = "fs:temp"

	// CapabilityEnvRead allows reading non-sensitive environment variables.
	CapabilityEnvRead = "env:read"
)

// KnownCapability reports whether a capability name is recognized.
func KnownCapability(name string) bool {
	switch name {
	case CapabilityNetOutbound, CapabilityFSTemp, CapabilityEnvRead:
		return true
	}
	return false
}

// Enforcer gates host functions behind the capabilities a plugin was
// granted in its manifest.
type Enforcer struct {
	granted    map[string]bool
	httpClient *http.Client
	tempDir    string
}

// NewEnforcer creates an enforcer for the given capability set.
func NewEnforcer(capabilities []string, tempDir string) *Enforcer {
	granted := make(map[string]bool, len(capabilities))
	for _, cap := range capabilities {
		granted[cap] = true
	}

	return &Enforcer{
		granted: granted,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tempDir: tempDir,
	}
}

// HasCapability checks if a capability is granted.
func (e *Enforcer) HasCapability(capability string) bool {
	return e.granted[capability]
}

// ValidateCapabilities checks that every requested capability is granted.
func (e *Enforcer) ValidateCapabilities(requested []string) error {
	var missing []string
	for _, cap := range requested {
		if !e.granted[cap] {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}
	return nil
}

// HTTPRequest performs an outbound request if net:outbound is granted.
func (e *Enforcer) HTTPRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	if !e.HasCapability(CapabilityNetOutbound) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityNetOutbound)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	return resp, nil
}

// WriteTempFile writes a scratch file if fs:temp is granted.
func (e *Enforcer) WriteTempFile(name string, data []byte) error {
	path, err := e.tempPath(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.tempDir, 0750); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	return nil
}

// ReadTempFile reads a scratch file if fs:temp is granted.
func (e *Enforcer) ReadTempFile(name string) ([]byte, error) {
	path, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp file: %w", err)
	}
	return data, nil
}

// DeleteTempFile removes a scratch file if fs:temp is granted.
func (e *Enforcer) DeleteTempFile(name string) error {
	path, err := e.tempPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete temp file: %w", err)
	}
	return nil
}

// tempPath resolves a scratch file name inside the sandbox directory,
// rejecting path traversal.
func (e *Enforcer) tempPath(name string) (string, error) {
	if !e.HasCapability(CapabilityFSTemp) {
		return "", fmt.Errorf("capability %s not granted", CapabilityFSTemp)
	}

	path := filepath.Join(e.tempDir, name)
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(e.tempDir)) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}
	return path, nil
}

// ReadEnv reads an environment variable if env:read is granted.
// Variables that look like credentials are always denied.
func (e *Enforcer) ReadEnv(key string) (string, error) {
	if !e.HasCapability(CapabilityEnvRead) {
		return "", fmt.Errorf("capability %s not granted", CapabilityEnvRead)
	}

	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}

	return os.Getenv(key), nil
}

// isSensitiveEnvVar filters credential-looking variable names.
func isSensitiveEnvVar(key string) bool {
	sensitive := []string{
		"SECRET",
		"TOKEN",
		"PASSWORD",
		"API_KEY",
		"PRIVATE_KEY",
		"CREDENTIALS",
	}

	upper := strings.ToUpper(key)
	for _, s := range sensitive {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

// Cleanup removes the scratch directory.
func (e *Enforcer) Cleanup() error {
	if !e.HasCapability(CapabilityFSTemp) {
		return nil
	}

	if err := os.RemoveAll(e.tempDir); err != nil {
		return fmt.Errorf("failed to clean up temp directory: %w", err)
	}
	return nil
}
