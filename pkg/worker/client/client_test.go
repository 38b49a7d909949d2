package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

// pipeTransport runs a scripted worker function over in-memory pipes.
type pipeTransport struct {
	worker   func(in io.Reader, out io.Writer)
	uploaded string
	cleaned  string
}

func (t *pipeTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	t.uploaded = remotePath
	return nil
}

func (t *pipeTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.Reader, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		t.worker(inR, outW)
	}()
	return inW, outR, nil
}

func (t *pipeTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.cleaned = remotePath
	return nil
}

// echoWorker sends READY then answers every command with a DONE
// carrying the command params back as the result.
func echoWorker(in io.Reader, out io.Writer) {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	enc.EncodeReady(&protocol.ReadyMessage{
		Version:  "test",
		Platform: "linux",
		Arch:     "amd64",
		PID:      1,
		Caps:     map[string]bool{"probe.exec": true},
	})

	for {
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}
		enc.EncodeDone(&protocol.DoneMessage{
			CommandID: cmd.ID,
			Result:    cmd.Params,
			Duration:  0.1,
		})
	}
}

func startedClient(t *testing.T, transport *pipeTransport) *Client {
	t.Helper()

	c, err := NewClient(&Config{
		Transport:      transport,
		WorkerPath:     "/usr/local/bin/gauntlet-worker",
		StartupTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background(), "/usr/local/bin/gauntlet-worker"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(&Config{WorkerPath: "/bin/worker"}); err == nil {
		t.Error("Expected error for missing transport")
	}
	if _, err := NewClient(&Config{Transport: &pipeTransport{}}); err == nil {
		t.Error("Expected error for missing worker path")
	}
}

func TestClient_StartReceivesReady(t *testing.T) {
	transport := &pipeTransport{worker: echoWorker}
	c := startedClient(t, transport)
	defer c.Close(context.Background())

	ready := c.Ready()
	if ready == nil {
		t.Fatal("Expected READY message")
	}
	if !ready.Caps["probe.exec"] {
		t.Errorf("Expected probe.exec capability, got %v", ready.Caps)
	}
	if transport.uploaded != "/tmp/gauntlet-worker" {
		t.Errorf("Unexpected upload path: %s", transport.uploaded)
	}
}

func TestClient_Execute(t *testing.T) {
	transport := &pipeTransport{worker: echoWorker}
	c := startedClient(t, transport)
	defer c.Close(context.Background())

	done, err := c.Execute(context.Background(), &protocol.CommandMessage{
		ID:      "cmd-1",
		Type:    protocol.CommandTypeProbeExec,
		Timeout: 30,
		Params:  json.RawMessage(`{"command":"pytest -q"}`),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if done.CommandID != "cmd-1" {
		t.Errorf("Unexpected command ID: %s", done.CommandID)
	}

	var params protocol.ExecParams
	if err := json.Unmarshal(done.Result, &params); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if params.Command != "pytest -q" {
		t.Errorf("Unexpected echoed result: %+v", params)
	}
}

func TestClient_ExecuteWithEvents(t *testing.T) {
	transport := &pipeTransport{
		worker: func(in io.Reader, out io.Writer) {
			enc := protocol.NewEncoder(out)
			dec := protocol.NewDecoder(in)
			enc.EncodeReady(&protocol.ReadyMessage{Version: "test", PID: 1})

			cmd, err := dec.DecodeCommand()
			if err != nil {
				return
			}
			enc.EncodeEvent(&protocol.EventMessage{
				CommandID: cmd.ID,
				Level:     "info",
				Message:   "scanning",
			})
			enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: json.RawMessage(`{}`)})
		},
	}
	c := startedClient(t, transport)
	defer c.Close(context.Background())

	eventCh := make(chan *protocol.EventMessage, 4)
	_, err := c.ExecuteWithEvents(context.Background(), &protocol.CommandMessage{
		ID:      "cmd-2",
		Type:    protocol.CommandTypeSourceScan,
		Timeout: 10,
		Params:  json.RawMessage(`{"root":"/srv/project"}`),
	}, eventCh)
	if err != nil {
		t.Fatalf("ExecuteWithEvents failed: %v", err)
	}

	select {
	case evt := <-eventCh:
		if evt.Message != "scanning" {
			t.Errorf("Unexpected event: %+v", evt)
		}
	default:
		t.Error("Expected a progress event")
	}
}

func TestClient_CommandError(t *testing.T) {
	transport := &pipeTransport{
		worker: func(in io.Reader, out io.Writer) {
			enc := protocol.NewEncoder(out)
			dec := protocol.NewDecoder(in)
			enc.EncodeReady(&protocol.ReadyMessage{Version: "test", PID: 1})

			cmd, err := dec.DecodeCommand()
			if err != nil {
				return
			}
			enc.EncodeError(&protocol.ErrorMessage{
				CommandID: cmd.ID,
				Code:      "EXEC_FAILED",
				Message:   "command not found",
				Retryable: false,
			})
		},
	}
	c := startedClient(t, transport)
	defer c.Close(context.Background())

	_, err := c.Execute(context.Background(), &protocol.CommandMessage{
		ID:      "cmd-3",
		Type:    protocol.CommandTypeProbeExec,
		Timeout: 30,
		Params:  json.RawMessage(`{"command":"nope"}`),
	})
	if err == nil {
		t.Fatal("Expected command error")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %T", err)
	}
	if cmdErr.Code != "EXEC_FAILED" || cmdErr.Retryable {
		t.Errorf("Unexpected command error: %+v", cmdErr)
	}
}

func TestClient_InvalidCommandRejectedLocally(t *testing.T) {
	transport := &pipeTransport{worker: echoWorker}
	c := startedClient(t, transport)
	defer c.Close(context.Background())

	_, err := c.Execute(context.Background(), &protocol.CommandMessage{
		Type:    protocol.CommandTypeProbeExec,
		Timeout: 30,
		Params:  json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("Expected validation error for missing command ID")
	}
}

func TestClient_Close(t *testing.T) {
	transport := &pipeTransport{worker: echoWorker}
	c := startedClient(t, transport)

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if transport.cleaned != "/tmp/gauntlet-worker" {
		t.Errorf("Expected cleanup of uploaded binary, got %q", transport.cleaned)
	}

	if _, err := c.Execute(context.Background(), &protocol.CommandMessage{
		ID:      "cmd-4",
		Type:    protocol.CommandTypeProbeExec,
		Timeout: 30,
		Params:  json.RawMessage(`{"command":"true"}`),
	}); err == nil {
		t.Error("Expected error after close")
	}
}
