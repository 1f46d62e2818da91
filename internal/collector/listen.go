package collector

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig applies the listener socket options: SO_REUSEADDR on both
// families, IPV6_V6ONLY on the v6 socket so the two listeners can coexist
// on the same port.
func listenConfig(network string) net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr == nil && network == "tcp6" {
					opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

// openListeners opens the v4 and/or v6 listening sockets per listen_mode.
func openListeners(ctx context.Context, mode, bindV4, bindV6 string, port int) ([]net.Listener, error) {
	var listeners []net.Listener

	if mode == "v4" || mode == "v4v6" {
		lc := listenConfig("tcp4")
		ln, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(bindV4, fmt.Sprint(port)))
		if err != nil {
			return nil, fmt.Errorf("collector: listen v4: %w", err)
		}
		listeners = append(listeners, ln)
	}

	if mode == "v6" || mode == "v4v6" {
		lc := listenConfig("tcp6")
		ln, err := lc.Listen(ctx, "tcp6", net.JoinHostPort(bindV6, fmt.Sprint(port)))
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("collector: listen v6: %w", err)
		}
		listeners = append(listeners, ln)
	}

	return listeners, nil
}
