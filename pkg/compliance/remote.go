package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/transports/ssh"
	workerclient "github.com/gauntlet-dev/gauntlet/pkg/worker/client"
	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

// remoteScanTimeout bounds a single source scan command on the target.
const remoteScanTimeout = 120

// Dialer produces a transport for a remote target. Injectable so tests
// can substitute a fake transport.
type Dialer func(target *engine.RemoteTarget) (ssh.Transport, error)

// RemoteScanner gathers compliance facts from projects that are only
// reachable over SSH. It deploys the worker binary to the target,
// requests a source scan of the project root, and feeds the returned
// file contents through the regular fact extractor.
type RemoteScanner struct {
	scanner    *Scanner
	workerPath string
	dial       Dialer
	logger     zerolog.Logger
}

// NewRemoteScanner creates a remote scanner. workerPath is the local
// worker binary uploaded to each target. A nil dialer uses key-based
// authentication with the target's defaults.
func NewRemoteScanner(workerPath string, dial Dialer, logger zerolog.Logger) *RemoteScanner {
	scanLogger := logger.With().Str("component", "remote-scanner").Logger()
	if dial == nil {
		dial = func(target *engine.RemoteTarget) (ssh.Transport, error) {
			return ssh.NewSSHClient(ssh.FromRemoteTarget(target), scanLogger)
		}
	}
	return &RemoteScanner{
		scanner:    NewScanner(logger),
		workerPath: workerPath,
		dial:       dial,
		logger:     scanLogger,
	}
}

// ScanProject scans the test tree rooted at root on the project's
// remote target.
func (s *RemoteScanner) ScanProject(ctx context.Context, projectID string, target *engine.RemoteTarget, root string) (*ScanReport, error) {
	if target == nil {
		return nil, fmt.Errorf("project %s has no remote target", projectID)
	}
	if root == "" {
		return nil, fmt.Errorf("project %s has no remote root to scan", projectID)
	}

	transport, err := s.dial(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", target.Host, err)
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Host, err)
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Str("host", target.Host).Msg("failed to disconnect")
		}
	}()

	worker, err := workerclient.NewClient(&workerclient.Config{
		Transport:  workerclient.NewSSHTransport(transport),
		WorkerPath: s.workerPath,
	})
	if err != nil {
		return nil, err
	}
	if err := worker.Start(ctx, s.workerPath); err != nil {
		return nil, fmt.Errorf("failed to start worker on %s: %w", target.Host, err)
	}
	defer func() {
		if err := worker.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("host", target.Host).Msg("failed to close worker")
		}
	}()

	params, err := json.Marshal(&protocol.SourceScanParams{
		Root:           root,
		IncludeContent: true,
	})
	if err != nil {
		return nil, err
	}

	done, err := worker.Execute(ctx, &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    protocol.CommandTypeSourceScan,
		Timeout: remoteScanTimeout,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("source scan failed on %s: %w", target.Host, err)
	}

	var scan protocol.SourceScanResult
	if err := protocol.ParseParams(done.Result, &scan); err != nil {
		return nil, fmt.Errorf("failed to parse scan result: %w", err)
	}
	if scan.Truncated {
		s.logger.Warn().
			Str("project_id", projectID).
			Str("host", target.Host).
			Msg("remote scan hit the file limit, facts are partial")
	}

	report := &ScanReport{
		ProjectID: projectID,
		Root:      root,
		ScannedAt: time.Now(),
	}

	for _, file := range scan.Files {
		if file.Truncated {
			s.logger.Warn().Str("file", file.Path).Msg("file content truncated, skipping")
			continue
		}

		facts, err := s.scanner.ScanContent(file.Path, []byte(file.Content))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", file.Path).Msg("failed to scan remote test file")
			continue
		}

		report.Files = append(report.Files, *facts)
		report.TotalTests += facts.TestCount
		report.TotalAssertions += facts.AssertionCount
		report.HoneypotTests += len(facts.HoneypotTests)
	}

	s.logger.Info().
		Str("project_id", projectID).
		Str("host", target.Host).
		Int("files", len(report.Files)).
		Int("tests", report.TotalTests).
		Msg("remote test tree scanned")

	return report, nil
}
