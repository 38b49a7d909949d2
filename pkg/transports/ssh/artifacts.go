package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// sftpClient opens an SFTP subsystem session on the current connection.
func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}
	c.touch()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to open SFTP session: %w", err),
			IsTemporary: true,
		}
	}
	return client, nil
}

// UploadFile copies a local file to the remote host via SFTP.
func (c *SSHClient) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	defer local.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: err, IsTemporary: true}
		}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if err := client.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("file uploaded")
	return nil
}

// DownloadFile copies a remote file to the local filesystem via SFTP.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath, localPath string) (*FileTransferResult, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	started := time.Now()
	written, err := downloadOne(client, remotePath, localPath)
	if err != nil {
		return nil, err
	}

	return &FileTransferResult{
		Files:            1,
		BytesTransferred: written,
		Duration:         time.Since(started),
	}, nil
}

// FetchArtifacts recursively downloads a remote directory, preserving
// relative paths under localDir.
func (c *SSHClient) FetchArtifacts(ctx context.Context, remoteDir, localDir string) (*FileTransferResult, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	started := time.Now()
	result := &FileTransferResult{}

	if err := c.fetchDir(ctx, client, remoteDir, localDir, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	c.logger.Info().
		Str("remote_dir", remoteDir).
		Str("local_dir", localDir).
		Int("files", result.Files).
		Int64("bytes", result.BytesTransferred).
		Msg("artifacts fetched")
	return result, nil
}

// fetchDir downloads one directory level, recursing into subdirectories.
func (c *SSHClient) fetchDir(ctx context.Context, client *sftp.Client, remoteDir, localDir string, result *FileTransferResult) error {
	entries, err := client.ReadDir(remoteDir)
	if err != nil {
		return &TransportError{
			Op:          "fetch-artifacts",
			Err:         fmt.Errorf("failed to read remote directory %s: %w", remoteDir, err),
			IsTemporary: true,
		}
	}

	if err := os.MkdirAll(localDir, 0755); err != nil {
		return &TransportError{Op: "fetch-artifacts", Err: err}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: "fetch-artifacts", Err: err, IsTemporary: true}
		}

		remotePath := path.Join(remoteDir, entry.Name())
		localPath := filepath.Join(localDir, entry.Name())

		if entry.IsDir() {
			if err := c.fetchDir(ctx, client, remotePath, localPath, result); err != nil {
				return err
			}
			continue
		}

		written, err := downloadOne(client, remotePath, localPath)
		if err != nil {
			return err
		}
		result.Files++
		result.BytesTransferred += written
	}

	return nil
}

// downloadOne copies a single remote file to localPath.
func downloadOne(client *sftp.Client, remotePath, localPath string) (int64, error) {
	remote, err := client.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, &TransportError{Op: "download", Err: err}
	}

	local, err := os.Create(localPath)
	if err != nil {
		return 0, &TransportError{Op: "download", Err: err}
	}
	defer local.Close()

	written, err := io.Copy(local, remote)
	if err != nil {
		return 0, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return written, nil
}
