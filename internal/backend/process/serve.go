package process

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
)

// ListenAndServe is the child side of the handshake. It listens on path,
// announces it on out, accepts exactly one connection and passes it to
// serve. The socket file is removed on return.
func ListenAndServe(ctx context.Context, path string, out io.Writer, serve func(context.Context, net.Conn) error) error {
	if path == "" {
		return fmt.Errorf("%s is not set", EnvSocket)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	defer os.Remove(path)

	if err := Announce(out, path); err != nil {
		ln.Close()
		return fmt.Errorf("announce: %w", err)
	}

	accepted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-accepted:
		}
	}()

	conn, err := ln.Accept()
	close(accepted)
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept: %w", err)
	}
	return serve(ctx, conn)
}
