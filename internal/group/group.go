// Package group implements the aggregation unit of the proxy: a client's
// set of uplink connections, the downstream SRT socket they are unified
// onto, and the sidecar file lifecycle tied to that socket.
package group

import (
	"crypto/rand"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/OpenIRL/srtla/internal/conn"
	"github.com/OpenIRL/srtla/internal/sidecar"
	"github.com/OpenIRL/srtla/internal/udpsock"
	"github.com/OpenIRL/srtla/internal/wire"
)

// MaxConnsPerGroup caps the number of uplinks a single group may hold.
const MaxConnsPerGroup = 16

// Group is one client's aggregate session, owned exclusively by the
// dispatcher's event-loop goroutine.
type Group struct {
	ID        [wire.IDLen]byte
	Conns     []*conn.Conn
	CreatedAt int64
	LastAddr  netip.AddrPort

	// SRTFD is the downstream UDP socket fd, or -1 if not yet created.
	// It is created lazily on the first data packet forwarded for this
	// group and owned exclusively by the group: it is deregistered from
	// the poller and closed, and the sidecar file removed, in exactly
	// one place (Close).
	SRTFD int
}

// New constructs a group from a client's REG1 nonce: id[0:16) is the
// nonce verbatim, id[16:32) is drawn from crypto/rand.
func New(nonce []byte, now int64) (*Group, error) {
	var id [wire.IDLen]byte
	copy(id[:wire.IDLen/2], nonce)
	if _, err := rand.Read(id[wire.IDLen/2:]); err != nil {
		return nil, fmt.Errorf("group: generate id: %w", err)
	}
	return &Group{
		ID:        id,
		CreatedAt: now,
		SRTFD:     -1,
	}, nil
}

// HasDownstream reports whether the downstream SRT socket has been created.
func (g *Group) HasDownstream() bool {
	return g.SRTFD >= 0
}

// FindConn returns the connection whose peer address matches addr, or nil.
func (g *Group) FindConn(addr netip.AddrPort) *conn.Conn {
	for _, c := range g.Conns {
		if c.PeerAddr == addr {
			return c
		}
	}
	return nil
}

// Full reports whether the group already holds MaxConnsPerGroup connections.
func (g *Group) Full() bool {
	return len(g.Conns) >= MaxConnsPerGroup
}

// AddConn appends a new connection for addr, first seen at now. The
// caller must have already checked Full().
func (g *Group) AddConn(addr netip.AddrPort, now int64) *conn.Conn {
	c := conn.New(addr, now)
	g.Conns = append(g.Conns, c)
	return c
}

// ClientAddresses returns the peer address of every connection, for the
// sidecar file.
func (g *Group) ClientAddresses() []netip.AddrPort {
	addrs := make([]netip.AddrPort, len(g.Conns))
	for i, c := range g.Conns {
		addrs[i] = c.PeerAddr
	}
	return addrs
}

// WriteSidecar rewrites the sidecar file for this group's downstream
// socket, if the socket exists.
func (g *Group) WriteSidecar() error {
	if !g.HasDownstream() {
		return nil
	}
	port, err := udpsock.LocalPort(g.SRTFD)
	if err != nil {
		return err
	}
	return sidecar.Write(port, g.ClientAddresses())
}

// OpenDownstream lazily creates and connects the downstream SRT socket,
// registers fd with add (typically Poller.Add), and writes the sidecar
// file. It is a no-op if the socket already exists.
func (g *Group) OpenDownstream(dst netip.AddrPort, add func(fd int) error) error {
	if g.HasDownstream() {
		return nil
	}

	fd, err := udpsock.Connect(dst)
	if err != nil {
		return err
	}

	if err := add(fd); err != nil {
		unix.Close(fd)
		return fmt.Errorf("group: register downstream socket: %w", err)
	}

	g.SRTFD = fd
	return g.WriteSidecar()
}

// Close tears down the group: it deregisters and closes the downstream
// socket via remove, and removes the sidecar file. Idempotent.
func (g *Group) Close(remove func(fd int) error) {
	if !g.HasDownstream() {
		return
	}

	port, portErr := udpsock.LocalPort(g.SRTFD)

	if remove != nil {
		_ = remove(g.SRTFD)
	}
	unix.Close(g.SRTFD)
	g.SRTFD = -1

	if portErr == nil {
		sidecar.Remove(port)
	}
}
