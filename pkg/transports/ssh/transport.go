// Package ssh provides the SSH transport for probing remote projects:
// command execution on the target host and SFTP retrieval of test
// artifacts into the local artifact directory.
package ssh

import (
	"context"
	"io"
	"time"
)

// Transport is the interface for remote project operations.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host and returns its
	// stdout, stderr, and exit code.
	ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error)

	// StartCommand starts a long-running command with piped stdio,
	// used to drive a remote worker process. The returned wait function
	// blocks until the command exits and releases the session.
	StartCommand(ctx context.Context, cmd string) (stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, wait func() error, err error)

	// UploadFile copies a local file to the remote host via SFTP.
	UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error

	// DownloadFile copies a remote file to the local filesystem via SFTP.
	DownloadFile(ctx context.Context, remotePath, localPath string) (*FileTransferResult, error)

	// FetchArtifacts recursively downloads a remote directory into
	// localDir, preserving relative paths.
	FetchArtifacts(ctx context.Context, remoteDir, localDir string) (*FileTransferResult, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port number.
	Port int

	// User is the SSH username.
	User string

	// ConnectedAt is when the connection was established.
	ConnectedAt time.Time

	// LastActivity is when the connection was last used.
	LastActivity time.Time
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	// Stdout is the standard output from the command.
	Stdout string

	// Stderr is the standard error output from the command.
	Stderr string

	// ExitCode is the command's exit code.
	ExitCode int

	// StartedAt is when the command started executing.
	StartedAt time.Time

	// FinishedAt is when the command finished.
	FinishedAt time.Time

	// Duration is the total execution time.
	Duration time.Duration
}

// FileTransferResult summarizes an SFTP transfer.
type FileTransferResult struct {
	// Files is the number of files transferred.
	Files int

	// BytesTransferred is the total number of bytes transferred.
	BytesTransferred int64

	// Duration is the time taken for the transfer.
	Duration time.Duration
}

// TransportError is an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "execute").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may succeed on retry.
	IsTemporary bool

	// IsAuthError indicates an authentication failure.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
