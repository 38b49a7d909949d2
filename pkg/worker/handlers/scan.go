package handlers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

const (
	defaultScanMaxFiles     = 1000
	defaultScanMaxFileBytes = 256 * 1024 // per file when content is included
)

// defaultScanPatterns match test sources in the project layouts the
// controller cares about.
var defaultScanPatterns = []string{"test_*.py", "*_test.py", "*_test.go"}

// scanSkipDirs are never descended into.
var scanSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// SourceScanHandler lists test sources under a project root.
type SourceScanHandler struct{}

// Handle walks the root and returns files whose base name matches one
// of the patterns. Content is included only on request and truncated
// per file at the byte limit.
func (h *SourceScanHandler) Handle(ctx context.Context, params *protocol.SourceScanParams, eventCh chan<- *protocol.EventMessage) (*protocol.SourceScanResult, error) {
	if params.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	info, err := os.Stat(params.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", params.Root)
	}

	patterns := params.Patterns
	if len(patterns) == 0 {
		patterns = defaultScanPatterns
	}
	maxFiles := params.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultScanMaxFiles
	}
	maxFileBytes := params.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = defaultScanMaxFileBytes
	}

	result := &protocol.SourceScanResult{Files: []protocol.ScannedFile{}}

	err = filepath.WalkDir(params.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if scanSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(patterns, d.Name()) {
			return nil
		}
		if len(result.Files) >= maxFiles {
			result.Truncated = true
			return filepath.SkipAll
		}

		rel, err := filepath.Rel(params.Root, path)
		if err != nil {
			return err
		}

		scanned, err := scanFile(path, rel, params.IncludeContent, maxFileBytes)
		if err != nil {
			return err
		}
		result.Files = append(result.Files, scanned)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sources: %w", err)
	}

	return result, nil
}

// scanFile reads one matched file and builds its entry.
func scanFile(path, rel string, includeContent bool, maxFileBytes int64) (protocol.ScannedFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return protocol.ScannedFile{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	scanned := protocol.ScannedFile{
		Path: rel,
		Size: int64(len(content)),
	}

	hash := sha256.Sum256(content)
	scanned.Checksum = fmt.Sprintf("%x", hash)

	if includeContent {
		if int64(len(content)) > maxFileBytes {
			content = content[:maxFileBytes]
			scanned.Truncated = true
		}
		scanned.Content = string(content)
	}

	return scanned, nil
}

// matchesAny reports whether the base name matches any glob pattern.
// Malformed patterns never match.
func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
