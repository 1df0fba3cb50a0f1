//go:build windows

package shigoto

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
	"github.com/google/uuid"
)

func defaultQueueAddress() string {
	return `\\.\pipe\shigoto-` + uuid.New().String()
}

func listenQueue(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, nil)
}

func dialQueue(ctx context.Context, addr string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, addr)
}
