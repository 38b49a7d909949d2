package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/transports/ssh"
	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

// scanTransport is a scripted ssh.Transport whose started command is a
// fake worker answering source scans with canned files.
type scanTransport struct {
	files     []protocol.ScannedFile
	connected bool
	uploaded  string
	cleaned   bool
}

func (f *scanTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *scanTransport) Disconnect() error { return nil }

func (f *scanTransport) IsConnected() bool { return f.connected }

func (f *scanTransport) HealthCheck(ctx context.Context) error { return nil }

func (f *scanTransport) ExecuteCommand(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	f.cleaned = true
	return &ssh.ExecResult{}, nil
}

func (f *scanTransport) StartCommand(ctx context.Context, cmd string) (io.WriteCloser, io.Reader, io.Reader, func() error, error) {
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()

	go func() {
		defer outWriter.Close()
		encoder := protocol.NewEncoder(outWriter)
		decoder := protocol.NewDecoder(inReader)

		_ = encoder.EncodeReady(&protocol.ReadyMessage{Version: "test"})

		cmd, err := decoder.DecodeCommand()
		if err != nil {
			return
		}
		result, _ := json.Marshal(&protocol.SourceScanResult{Files: f.files})
		_ = encoder.EncodeDone(&protocol.DoneMessage{
			CommandID: cmd.ID,
			Result:    result,
		})
		_, _ = io.Copy(io.Discard, inReader)
	}()

	return inWriter, outReader, nil, func() error { return nil }, nil
}

func (f *scanTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	f.uploaded = remotePath
	return nil
}

func (f *scanTransport) DownloadFile(ctx context.Context, remotePath, localPath string) (*ssh.FileTransferResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *scanTransport) FetchArtifacts(ctx context.Context, remoteDir, localDir string) (*ssh.FileTransferResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *scanTransport) GetConnectionInfo() ssh.ConnectionInfo { return ssh.ConnectionInfo{} }

func remoteScannerWith(transport ssh.Transport) *RemoteScanner {
	return NewRemoteScanner("/usr/local/bin/gauntlet-worker",
		func(target *engine.RemoteTarget) (ssh.Transport, error) {
			return transport, nil
		}, zerolog.Nop())
}

func scanTarget() *engine.RemoteTarget {
	return &engine.RemoteTarget{Host: "ci-runner-3", User: "gauntlet"}
}

func TestRemoteScanner_BuildsReportFromWorkerFiles(t *testing.T) {
	transport := &scanTransport{
		files: []protocol.ScannedFile{
			{
				Path: "tests/test_api.py",
				Content: "from unittest.mock import MagicMock\n" +
					"def test_create():\n" +
					"    assert api.create() is not None\n" +
					"def test_honeypot_broken_import():\n" +
					"    assert False\n",
			},
			{
				Path:    "tests/integration/test_flow.py",
				Content: "def test_end_to_end():\n    assert flow.run() == 'ok'\n",
			},
		},
	}

	scanner := remoteScannerWith(transport)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := scanner.ScanProject(ctx, "doc_hub", scanTarget(), "/srv/doc-hub")
	if err != nil {
		t.Fatalf("ScanProject failed: %v", err)
	}

	if report.ProjectID != "doc_hub" || report.Root != "/srv/doc-hub" {
		t.Errorf("Unexpected report identity: %+v", report)
	}
	if len(report.Files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(report.Files))
	}
	if report.TotalTests != 3 {
		t.Errorf("Expected 3 tests, got %d", report.TotalTests)
	}
	if report.HoneypotTests != 1 {
		t.Errorf("Expected 1 honeypot, got %d", report.HoneypotTests)
	}
	if len(report.Files[0].MockUsages) != 1 {
		t.Errorf("Expected 1 mock usage in first file, got %d", len(report.Files[0].MockUsages))
	}
	if !report.Files[1].Integration {
		t.Error("Expected integration path to be flagged")
	}

	if transport.uploaded == "" {
		t.Error("Expected worker binary to be uploaded")
	}
	if !transport.cleaned {
		t.Error("Expected worker binary to be cleaned up")
	}
}

func TestRemoteScanner_SkipsTruncatedFiles(t *testing.T) {
	transport := &scanTransport{
		files: []protocol.ScannedFile{
			{Path: "tests/test_big.py", Truncated: true},
			{Path: "tests/test_small.py", Content: "def test_one():\n    assert True\n"},
		},
	}

	report, err := remoteScannerWith(transport).ScanProject(
		context.Background(), "doc_hub", scanTarget(), "/srv/doc-hub")
	if err != nil {
		t.Fatalf("ScanProject failed: %v", err)
	}

	if len(report.Files) != 1 {
		t.Fatalf("Expected truncated file to be skipped, got %d files", len(report.Files))
	}
	if report.Files[0].Path != "tests/test_small.py" {
		t.Errorf("Unexpected file: %s", report.Files[0].Path)
	}
}

func TestRemoteScanner_MissingTarget(t *testing.T) {
	scanner := remoteScannerWith(&scanTransport{})
	if _, err := scanner.ScanProject(context.Background(), "doc_hub", nil, "/srv"); err == nil {
		t.Fatal("Expected error for nil target")
	}
	if _, err := scanner.ScanProject(context.Background(), "doc_hub", scanTarget(), ""); err == nil {
		t.Fatal("Expected error for empty root")
	}
}
