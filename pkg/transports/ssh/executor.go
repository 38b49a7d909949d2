package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error) {
	startTime := time.Now()

	c.logger.Debug().Str("command", cmd).Msg("executing remote command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}
	c.touch()

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         err,
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := &ExecResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		StartedAt:  startTime,
		FinishedAt: time.Now(),
		Duration:   time.Since(startTime),
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("remote command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			// The command ran and returned a non-zero exit code. That
			// is a probe outcome, not a transport failure.
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}

		result.ExitCode = -1
		return result, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: true,
		}
	}

	return result, nil
}

// StartCommand starts a command with piped stdio, used to run a remote
// worker process speaking the stdio protocol.
func (c *SSHClient) StartCommand(ctx context.Context, cmd string) (io.WriteCloser, io.Reader, io.Reader, func() error, error) {
	c.logger.Debug().Str("command", cmd).Msg("starting piped remote command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	c.touch()

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, nil, nil, &TransportError{
			Op:          "start-command",
			Err:         err,
			IsTemporary: true,
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, &TransportError{Op: "start-command", Err: err, IsTemporary: true}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, &TransportError{Op: "start-command", Err: err, IsTemporary: true}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, &TransportError{Op: "start-command", Err: err, IsTemporary: true}
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, nil, nil, &TransportError{Op: "start-command", Err: err, IsTemporary: true}
	}

	// Kill the remote process if the context ends before wait does.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
		case <-stop:
		}
	}()

	wait := func() error {
		defer close(stop)
		defer session.Close()
		return session.Wait()
	}

	return stdin, stdout, stderr, wait, nil
}
