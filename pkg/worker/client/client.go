// Package client drives a gauntlet worker process over a transport.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

// Transport starts and tears down a worker process.
type Transport interface {
	// Upload places the worker binary at remotePath
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the worker process and returns its stdio
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.Reader, err error)
	// Cleanup removes the worker binary
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	WorkerPath     string // path to the local worker binary
	RemotePath     string // path the binary is uploaded to
	StartupTimeout time.Duration
}

// Client manages communication with one worker instance.
type Client struct {
	transport  Transport
	remotePath string
	startup    time.Duration
	encoder    *protocol.Encoder
	decoder    *protocol.Decoder
	stdin      io.WriteCloser
	ready      *protocol.ReadyMessage
	mu         sync.Mutex
	closed     bool
}

// NewClient creates a new worker client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.WorkerPath == "" {
		return nil, fmt.Errorf("worker path is required")
	}
	remotePath := cfg.RemotePath
	if remotePath == "" {
		remotePath = "/tmp/gauntlet-worker"
	}
	startup := cfg.StartupTimeout
	if startup == 0 {
		startup = 10 * time.Second
	}

	return &Client{
		transport:  cfg.Transport,
		remotePath: remotePath,
		startup:    startup,
	}, nil
}

// Start uploads the worker binary, starts the process, and waits for
// its READY message.
func (c *Client) Start(ctx context.Context, workerPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	if err := c.transport.Upload(ctx, workerPath, c.remotePath); err != nil {
		return fmt.Errorf("failed to upload worker: %w", err)
	}

	stdin, stdout, err := c.transport.Execute(ctx, c.remotePath)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	c.stdin = stdin
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.startup)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		return nil
	}
}

// Execute sends a command to the worker and waits for completion,
// discarding progress events.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	return c.ExecuteWithEvents(ctx, cmd, nil)
}

// ExecuteWithEvents sends a command and streams progress events to a
// channel until the worker reports DONE or ERROR for it.
func (c *Client) ExecuteWithEvents(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	if c.encoder == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is not started")
	}
	c.mu.Unlock()

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if eventCh != nil {
				eventCh <- &event
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &CommandError{Code: errMsg.Code, Message: errMsg.Message, Retryable: errMsg.Retryable}

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("worker exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes stdin to signal the worker to exit and removes the
// uploaded binary.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}

	if err := c.transport.Cleanup(ctx, c.remotePath); err != nil {
		errs = append(errs, fmt.Errorf("failed to clean up worker binary: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// CommandError is a command failure reported by the worker.
type CommandError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s - %s", e.Code, e.Message)
}
