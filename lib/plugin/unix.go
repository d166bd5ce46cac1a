package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"
)

// SocketEnv names the environment variable Core sets when it expects the
// plugin to dial back over a Unix domain socket instead of stdio.
const SocketEnv = "POLYCHAT_SOCKET"

const socketPollInterval = 50 * time.Millisecond

// DialUnix connects to Core's socket at path, waiting for the socket file
// to appear until ctx ends.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	for {
		_, err := os.Stat(path)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat socket %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("socket %s never appeared: %w", path, ctx.Err())
		case <-time.After(socketPollInterval):
		}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Unix socket: %w", err)
	}
	return conn, nil
}

// NewFromEnv creates a Module on the socket named by SocketEnv, or on
// stdio when the variable is unset.
func NewFromEnv(ctx context.Context, info Info, opts ...Option) (*Module, error) {
	path := os.Getenv(SocketEnv)
	if path == "" {
		return NewStd(info, opts...), nil
	}

	conn, err := DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(conn, info, opts...), nil
}
