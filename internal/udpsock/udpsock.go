// Package udpsock creates and addresses the raw, non-blocking UDP sockets
// the dispatcher registers with its epoll instance. It sits below
// internal/ioloop: the dispatcher owns raw file descriptors directly
// (rather than *net.UDPConn) so that reads and writes never touch the Go
// runtime's own network poller, preserving the single suspension point
// (the epoll wait) that internal/dispatcher relies on.
package udpsock

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// RecvBufSize is the SO_RCVBUF applied to the listening socket.
const RecvBufSize = 32 * 1024 * 1024

// Listen creates a non-blocking IPv4 UDP socket bound to 0.0.0.0:port with
// a 32 MiB receive buffer.
func Listen(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("udpsock: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, RecvBufSize); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("udpsock: setsockopt SO_RCVBUF: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("udpsock: bind :%d: %w", port, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("udpsock: set nonblocking: %w", err)
	}

	return fd, nil
}

// Connect creates a non-blocking IPv4 UDP socket connect()ed to dst, so
// that Read/Write may be used instead of Recvfrom/Sendto.
func Connect(dst netip.AddrPort) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("udpsock: socket: %w", err)
	}

	if err := unix.Connect(fd, toSockaddr(dst)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("udpsock: connect %s: %w", dst, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("udpsock: set nonblocking: %w", err)
	}

	return fd, nil
}

// LocalPort returns the local port a socket is bound to.
func LocalPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("udpsock: getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("udpsock: unexpected sockaddr type %T", sa)
	}
	return uint16(sa4.Port), nil
}

// Resolve resolves host:port to an IPv4 address, the way the downstream
// SRT server address is resolved once at startup.
func Resolve(host string, port uint16) (netip.AddrPort, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("udpsock: resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addr, ok := netip.AddrFromSlice(v4)
			if !ok {
				continue
			}
			return netip.AddrPortFrom(addr, port), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("udpsock: no IPv4 address for %s", host)
}

// FromSockaddr converts a syscall sockaddr, as returned by Recvfrom, to a
// netip.AddrPort. ok is false for anything other than an IPv4 sockaddr.
func FromSockaddr(sa unix.Sockaddr) (addr netip.AddrPort, ok bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), true
}

func toSockaddr(a netip.AddrPort) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(a.Port())}
	sa.Addr = a.Addr().As4()
	return sa
}

// ToSockaddr converts a netip.AddrPort to a syscall sockaddr for Sendto.
func ToSockaddr(a netip.AddrPort) unix.Sockaddr {
	return toSockaddr(a)
}
