package securestore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newPipeClient serves an in-memory SFTP filesystem over a pipe and returns a
// Client plus a raw SFTP client for seeding files.
func newPipeClient(t *testing.T) (Client, *sftp.Client) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	srv := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() {
		_ = srv.Serve()
	}()

	sc, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)

	c := NewClient(sc, clientConn)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return c, sc
}

func writeFile(t *testing.T, sc *sftp.Client, p string, data []byte) {
	t.Helper()
	f, err := sc.Create(p)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestListDirectories(t *testing.T) {
	c, sc := newPipeClient(t)

	for _, d := range []string{"/certificates/b2", "/certificates/b1", "/certificates/CA", "/certificates/.DS_Store"} {
		require.NoError(t, sc.MkdirAll(d))
	}
	writeFile(t, sc, "/certificates/readme.txt", []byte("hi"))

	names, err := c.ListDirectories(context.Background(), "/certificates")
	require.NoError(t, err)
	assert.Equal(t, []string{"CA", "b1", "b2"}, names)
}

func TestListDirectories_Missing(t *testing.T) {
	c, _ := newPipeClient(t)

	_, err := c.ListDirectories(context.Background(), "/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchFile(t *testing.T) {
	c, sc := newPipeClient(t)
	require.NoError(t, sc.MkdirAll("/certificates/b1"))
	writeFile(t, sc, "/certificates/b1/client_b1.crt", []byte("CERT"))

	data, err := c.FetchFile(context.Background(), "/certificates/b1/client_b1.crt")
	require.NoError(t, err)
	assert.Equal(t, []byte("CERT"), data)

	_, err = c.FetchFile(context.Background(), "/certificates/b1/client_b1.key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose_Idempotent(t *testing.T) {
	c, _ := newPipeClient(t)

	c.Close()
	assert.NotPanics(t, func() { c.Close() })

	_, err := c.ListDirectories(context.Background(), "/")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCancelledContext(t *testing.T) {
	c, _ := newPipeClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchFile(ctx, "/x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSFTPDialer_BadKnownHosts(t *testing.T) {
	d := NewSFTPDialer(Config{
		Host:           "127.0.0.1",
		Port:           1,
		KnownHostsFile: "/definitely/missing/known_hosts",
		Timeout:        time.Second,
	}, zap.NewNop())

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known hosts")
}

func TestSFTPDialer_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	d := NewSFTPDialer(Config{Host: "127.0.0.1", Port: port, Timeout: time.Second}, zap.NewNop())
	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}
