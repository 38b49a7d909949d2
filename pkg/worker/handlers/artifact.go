package handlers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

// defaultMaxReadBytes caps artifact reads when the caller sets no limit.
const defaultMaxReadBytes = 10 * 1024 * 1024 // 10 MB

// ArtifactReadHandler reads artifact files produced by probe runs.
type ArtifactReadHandler struct{}

// Handle reads an artifact file, truncating at the configured byte
// limit. The checksum covers the returned content, truncated or not.
func (h *ArtifactReadHandler) Handle(ctx context.Context, params *protocol.ArtifactReadParams, eventCh chan<- *protocol.EventMessage) (*protocol.ArtifactReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact path is a directory: %s", params.Path)
	}

	result := &protocol.ArtifactReadResult{
		Size: info.Size(),
		Mode: fmt.Sprintf("%04o", info.Mode().Perm()),
	}

	maxBytes := params.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}

	file, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	result.Content = string(content)
	result.Truncated = info.Size() > int64(len(content))

	hash := sha256.Sum256(content)
	result.Checksum = fmt.Sprintf("%x", hash)

	return result, nil
}
