package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/curtbushko/dotcall-backup/internal/config"
)

// ftpUploader stores recordings on an FTP server below BasePath
type ftpUploader struct {
	cfg     config.FTPConfig
	timeout time.Duration

	mu   sync.Mutex
	conn *ftp.ServerConn
}

// NewFTPUploader logs in to the FTP server. The control connection is reused
// and re-established when the server drops it.
func NewFTPUploader(ctx context.Context, cfg config.FTPConfig, timeout time.Duration) (Uploader, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ftp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 21
	}

	u := &ftpUploader{cfg: cfg, timeout: timeout}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := u.connLocked(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *ftpUploader) connLocked(ctx context.Context) (*ftp.ServerConn, error) {
	if u.conn != nil {
		if err := u.conn.NoOp(); err == nil {
			return u.conn, nil
		}
		_ = u.conn.Quit()
		u.conn = nil
	}

	type connResult struct {
		conn *ftp.ServerConn
		err  error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
		conn, err := ftp.Dial(addr, ftp.DialWithTimeout(u.timeout))
		if err != nil {
			resultChan <- connResult{err: fmt.Errorf("failed to connect to %s: %w", addr, err)}
			return
		}
		if u.cfg.Username != "" {
			if err := conn.Login(u.cfg.Username, u.cfg.Password); err != nil {
				_ = conn.Quit()
				resultChan <- connResult{err: fmt.Errorf("ftp login failed: %w", asStatusError(err))}
				return
			}
		}
		resultChan <- connResult{conn: conn}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-resultChan; result.err == nil {
				_ = result.conn.Quit()
			}
		}()
		return nil, ctx.Err()
	case result := <-resultChan:
		if result.err != nil {
			return nil, result.err
		}
		u.conn = result.conn
		return u.conn, nil
	}
}

func (u *ftpUploader) Exists(ctx context.Context, key string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	conn, err := u.connLocked(ctx)
	if err != nil {
		return false, err
	}

	target := remotePath(u.cfg.BasePath, key)
	if _, err := conn.FileSize(target); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", target, asStatusError(err))
	}
	return true, nil
}

// Upload stores to a temporary name and renames it into place
func (u *ftpUploader) Upload(ctx context.Context, key, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	conn, err := u.connLocked(ctx)
	if err != nil {
		return err
	}

	target := remotePath(u.cfg.BasePath, key)
	makeDirs(conn, path.Dir(target))

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	tempName := path.Join(path.Dir(target), fmt.Sprintf(".%s.%d.tmp", path.Base(target), time.Now().UnixNano()))
	if err := conn.Stor(tempName, &contextReader{ctx: ctx, r: src}); err != nil {
		_ = conn.Delete(tempName)
		return fmt.Errorf("failed to store %s: %w", tempName, asStatusError(err))
	}
	if err := conn.Rename(tempName, target); err != nil {
		_ = conn.Delete(tempName)
		return fmt.Errorf("failed to rename %s to %s: %w", tempName, target, asStatusError(err))
	}
	return nil
}

// makeDirs creates every component of dir. Errors are ignored because most
// servers reply 550 for directories that already exist; a real failure
// surfaces on the following STOR.
func makeDirs(conn *ftp.ServerConn, dir string) {
	if dir == "" || dir == "." || dir == "/" {
		return
	}
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		_ = conn.MakeDir(current)
	}
}

// asStatusError exposes the FTP reply code to the retry classifier
func asStatusError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return fmt.Errorf("%w: %v", &StatusError{StatusCode: protoErr.Code, Message: protoErr.Msg}, err)
	}
	return err
}

func (u *ftpUploader) Name() string {
	return fmt.Sprintf("ftp://%s@%s:%d%s", u.cfg.Username, u.cfg.Host, u.cfg.Port, u.cfg.BasePath)
}

func (u *ftpUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Quit()
	u.conn = nil
	return err
}
