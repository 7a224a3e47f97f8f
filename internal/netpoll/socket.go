package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking IPv4 TCP listener socket bound to the given
// port on all interfaces. It returns the listener fd and the actual bound
// port, which differs from the request when port 0 asks the kernel to pick.
func Listen(port int) (fd int, boundPort int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err = unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("bind port %d: %w", port, err)
	}

	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("listen: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}

	return fd, inet4.Port, nil
}

// Accept accepts one pending connection from a non-blocking listener and
// returns its fd, already in non-blocking mode. When no connection is
// pending it returns unix.EAGAIN.
func Accept(listenFd int) (int, error) {
	fd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}
