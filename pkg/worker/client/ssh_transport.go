package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gauntlet-dev/gauntlet/pkg/transports/ssh"
)

// SSHTransport runs the worker on a remote host over an SSH connection.
type SSHTransport struct {
	transport ssh.Transport
	wait      func() error
}

// NewSSHTransport wraps a connected SSH transport.
func NewSSHTransport(transport ssh.Transport) *SSHTransport {
	return &SSHTransport{transport: transport}
}

// Upload copies the worker binary to the remote host, executable.
func (t *SSHTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	return t.transport.UploadFile(ctx, localPath, remotePath, 0755)
}

// Execute starts the remote worker process with piped stdio.
func (t *SSHTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.Reader, error) {
	stdin, stdout, _, wait, err := t.transport.StartCommand(ctx, shellQuote(remotePath))
	if err != nil {
		return nil, nil, err
	}
	t.wait = wait
	return stdin, stdout, nil
}

// Cleanup waits for the worker process to finish and removes the
// uploaded binary.
func (t *SSHTransport) Cleanup(ctx context.Context, remotePath string) error {
	if t.wait != nil {
		// Exit status is irrelevant here, the worker exits when its
		// stdin closes.
		_ = t.wait()
		t.wait = nil
	}

	_, err := t.transport.ExecuteCommand(ctx, fmt.Sprintf("rm -f %s", shellQuote(remotePath)))
	return err
}

// shellQuote single-quotes a path for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
