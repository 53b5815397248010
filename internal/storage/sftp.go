package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/curtbushko/dotcall-backup/internal/config"
	"github.com/curtbushko/dotcall-backup/internal/logging"
)

// sftpUploader stores recordings on an SFTP server below BasePath
type sftpUploader struct {
	cfg     config.SFTPConfig
	timeout time.Duration

	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
}

// NewSFTPUploader connects to the SFTP server and keeps the session open for
// later calls. A dropped session is re-established on the next call.
func NewSFTPUploader(ctx context.Context, cfg config.SFTPConfig, timeout time.Duration) (Uploader, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sftp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	u := &sftpUploader{cfg: cfg, timeout: timeout}
	if _, err := u.session(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *sftpUploader) clientConfig() (*ssh.ClientConfig, error) {
	clientConfig := &ssh.ClientConfig{
		User:    u.cfg.Username,
		Timeout: u.timeout,
	}

	switch {
	case u.cfg.KeyFile != "":
		key, err := os.ReadFile(u.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		clientConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case u.cfg.Password != "":
		clientConfig.Auth = []ssh.AuthMethod{ssh.Password(u.cfg.Password)}
	default:
		return nil, fmt.Errorf("no sftp authentication method provided")
	}

	if u.cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(u.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", u.cfg.KnownHostsFile, err)
		}
		clientConfig.HostKeyCallback = callback
	} else {
		logging.Warn("SFTP host key verification disabled; set storage.sftp.known_hosts_file to enable it")
		clientConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return clientConfig, nil
}

// session returns the open SFTP client, dialing a new one when needed
func (u *sftpUploader) session(ctx context.Context) (*sftp.Client, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.client != nil {
		if _, err := u.client.Getwd(); err == nil {
			return u.client, nil
		}
		u.closeLocked()
	}

	clientConfig, err := u.clientConfig()
	if err != nil {
		return nil, err
	}

	type connResult struct {
		ssh    *ssh.Client
		client *sftp.Client
		err    error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
		sshConn, err := ssh.Dial("tcp", addr, clientConfig)
		if err != nil {
			resultChan <- connResult{err: fmt.Errorf("failed to connect to %s: %w", addr, err)}
			return
		}
		client, err := sftp.NewClient(sshConn)
		if err != nil {
			sshConn.Close()
			resultChan <- connResult{err: fmt.Errorf("failed to create sftp client: %w", err)}
			return
		}
		resultChan <- connResult{ssh: sshConn, client: client}
	}()

	select {
	case <-ctx.Done():
		// the dial goroutine cleans up after itself once it returns
		go func() {
			if result := <-resultChan; result.err == nil {
				result.client.Close()
				result.ssh.Close()
			}
		}()
		return nil, ctx.Err()
	case result := <-resultChan:
		if result.err != nil {
			return nil, result.err
		}
		u.ssh = result.ssh
		u.client = result.client
		return u.client, nil
	}
}

func (u *sftpUploader) Exists(ctx context.Context, key string) (bool, error) {
	client, err := u.session(ctx)
	if err != nil {
		return false, err
	}

	target := remotePath(u.cfg.BasePath, key)
	_, err = client.Stat(target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", target, err)
}

// Upload writes to a temporary name next to the target and renames it into
// place so readers never see a partial recording.
func (u *sftpUploader) Upload(ctx context.Context, key, localPath string) error {
	client, err := u.session(ctx)
	if err != nil {
		return err
	}

	target := remotePath(u.cfg.BasePath, key)
	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", path.Dir(target), err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	tempName := path.Join(path.Dir(target), fmt.Sprintf(".%s.%d.tmp", path.Base(target), time.Now().UnixNano()))
	dst, err := client.Create(tempName)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tempName, err)
	}

	if _, err := io.Copy(dst, &contextReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		_ = client.Remove(tempName)
		return fmt.Errorf("failed to write %s: %w", tempName, err)
	}
	if err := dst.Close(); err != nil {
		_ = client.Remove(tempName)
		return fmt.Errorf("failed to close %s: %w", tempName, err)
	}

	if err := client.PosixRename(tempName, target); err != nil {
		// not every server implements the posix-rename extension
		if err := client.Rename(tempName, target); err != nil {
			_ = client.Remove(tempName)
			return fmt.Errorf("failed to rename %s to %s: %w", tempName, target, err)
		}
	}
	return nil
}

func (u *sftpUploader) Name() string {
	return fmt.Sprintf("sftp://%s@%s:%d%s", u.cfg.Username, u.cfg.Host, u.cfg.Port, u.cfg.BasePath)
}

func (u *sftpUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closeLocked()
}

func (u *sftpUploader) closeLocked() error {
	var err error
	if u.client != nil {
		err = u.client.Close()
		u.client = nil
	}
	if u.ssh != nil {
		if sshErr := u.ssh.Close(); err == nil {
			err = sshErr
		}
		u.ssh = nil
	}
	return err
}

// contextReader stops a copy once the context is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
