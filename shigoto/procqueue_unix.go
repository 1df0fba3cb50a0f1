//go:build !windows

package shigoto

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func defaultQueueAddress() string {
	// Unix socket paths are limited to ~100 bytes, so keep the name short.
	id := uuid.New().String()[:13]
	return filepath.Join(os.TempDir(), "shigoto-"+id+".sock")
}

func listenQueue(addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	// Remove the socket file when the listener closes.
	ln.(*net.UnixListener).SetUnlinkOnClose(true)
	return ln, nil
}

func dialQueue(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}
