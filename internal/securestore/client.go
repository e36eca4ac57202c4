package securestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNotFound is returned when a requested file or directory does not exist
var ErrNotFound = errors.New("secure store: not found")

// ErrSessionClosed is returned by operations on a closed session
var ErrSessionClosed = errors.New("secure store: session closed")

// entries that are never tenant directories
var ignoredEntries = map[string]struct{}{
	".":         {},
	"..":        {},
	".DS_Store": {},
}

// Client is one authenticated session against the secure file store.
// A Client is owned by a single scan and must be closed by it.
type Client interface {
	ListDirectories(ctx context.Context, dir string) ([]string, error)
	FetchFile(ctx context.Context, file string) ([]byte, error)
	Close() error
}

// Dialer opens secure-store sessions
type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}

// Config holds the secure-store connection settings
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KnownHostsFile string
	Timeout        time.Duration
}

// SFTPDialer dials SFTP sessions over SSH with password authentication
type SFTPDialer struct {
	cfg    Config
	logger *zap.Logger
}

// NewSFTPDialer creates a dialer
func NewSFTPDialer(cfg Config, logger *zap.Logger) *SFTPDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SFTPDialer{cfg: cfg, logger: logger}
}

// Dial opens a new session
func (d *SFTPDialer) Dial(ctx context.Context) (Client, error) {
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	sshCfg := &ssh.ClientConfig{
		User:            d.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(d.cfg.Password)},
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.Timeout,
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	d.logger.Debug("Opened secure store session", zap.String("addr", addr))
	return NewClient(sc, sshClient), nil
}

func (d *SFTPDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.KnownHostsFile == "" {
		d.logger.Warn("No known_hosts file configured, secure store host key is not verified",
			zap.String("host", d.cfg.Host))
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", d.cfg.KnownHostsFile, err)
	}
	return cb, nil
}

// sftpClient adapts an *sftp.Client to Client
type sftpClient struct {
	sftp *sftp.Client
	conn io.Closer

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps an established SFTP client. conn, if non-nil, is closed
// after the SFTP client.
func NewClient(sc *sftp.Client, conn io.Closer) Client {
	return &sftpClient{sftp: sc, conn: conn}
}

// ListDirectories returns the sorted names of the sub-directories of dir
func (c *sftpClient) ListDirectories(ctx context.Context, dir string) ([]string, error) {
	var names []string
	err := c.do(ctx, func() error {
		infos, err := c.sftp.ReadDir(dir)
		if err != nil {
			return mapError(dir, err)
		}
		for _, fi := range infos {
			if !fi.IsDir() {
				continue
			}
			if _, skip := ignoredEntries[fi.Name()]; skip {
				continue
			}
			names = append(names, fi.Name())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// FetchFile reads the whole file at the given path
func (c *sftpClient) FetchFile(ctx context.Context, file string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, func() error {
		f, err := c.sftp.Open(path.Clean(file))
		if err != nil {
			return mapError(file, err)
		}
		defer f.Close()

		data, err = io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		return nil
	})
	return data, err
}

// Close ends the session. It is safe to call more than once.
func (c *sftpClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.closeErr = c.sftp.Close()
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// do runs op, aborting the session if ctx ends first. The SFTP library has
// no per-request cancellation.
func (c *sftpClient) do(ctx context.Context, op func() error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.Close()
		<-done
		return ctx.Err()
	}
}

func mapError(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", p, err)
}
