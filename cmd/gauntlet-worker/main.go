// Package main implements the gauntlet worker binary, a minimal
// static process that executes probe commands received via
// JSON-over-stdio and exits when its input closes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/handlers"
	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

const (
	version = "1.0.0"
	ttl     = 10 * time.Minute
)

type worker struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	commandCount int
}

func main() {
	w := &worker{
		encoder: protocol.NewEncoder(os.Stdout),
		decoder: protocol.NewDecoder(os.Stdin),
	}

	if err := w.sendReady(); err != nil {
		w.sendErrorAndExit("READY_FAILED", fmt.Sprintf("failed to send ready: %v", err), 1)
		return
	}

	// Command loop with a TTL so an abandoned worker never lingers.
	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	exitCode := 0
	reason := "completed"

	for {
		if ctx.Err() != nil {
			reason = "ttl_expired"
			break
		}
		if err := w.processNextCommand(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				reason = "stdin_closed"
			} else {
				reason = "error"
				exitCode = 1
			}
			break
		}
	}

	w.exit(reason, exitCode)
}

func (w *worker) sendReady() error {
	ready := &protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeProbeExec):    true,
			string(protocol.CommandTypeArtifactRead): true,
			string(protocol.CommandTypeSourceScan):   true,
		},
		Metadata: map[string]string{
			"ttl": ttl.String(),
		},
	}

	return w.encoder.EncodeReady(ready)
}

func (w *worker) processNextCommand(ctx context.Context) error {
	cmd, err := w.decoder.DecodeCommand()
	if err != nil {
		return err
	}

	w.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 10)
	defer close(eventCh)

	go func() {
		for evt := range eventCh {
			w.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, err := w.handleCommand(cmdCtx, cmd, eventCh)
	duration := time.Since(start).Seconds()

	if err != nil {
		errMsg := &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "EXEC_FAILED",
			Message:   err.Error(),
			Retryable: errors.Is(err, context.DeadlineExceeded),
		}
		return w.encoder.EncodeError(errMsg)
	}

	doneMsg := &protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	}
	return w.encoder.EncodeDone(doneMsg)
}

func (w *worker) handleCommand(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeProbeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.ExecHandler{}
		result, err := handler.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeArtifactRead:
		var params protocol.ArtifactReadParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.ArtifactReadHandler{}
		result, err := handler.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeSourceScan:
		var params protocol.SourceScanParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.SourceScanHandler{}
		result, err := handler.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (w *worker) exit(reason string, exitCode int) {
	w.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: w.commandCount,
	})
	os.Exit(exitCode)
}

func (w *worker) sendErrorAndExit(code, message string, exitCode int) {
	w.encoder.EncodeError(&protocol.ErrorMessage{
		Code:      code,
		Message:   message,
		Retryable: false,
	})
	os.Exit(exitCode)
}
