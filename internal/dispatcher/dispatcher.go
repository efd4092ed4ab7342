// Package dispatcher wires the listening SRTLA socket, the registry, the
// selector and the janitor into the single-threaded event loop described
// in spec.md §5: one epoll instance, one suspension point, exactly one
// goroutine touching connection and group state. Everything else in this
// module exists to be called from here.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/OpenIRL/srtla/internal/group"
	"github.com/OpenIRL/srtla/internal/ioloop"
	"github.com/OpenIRL/srtla/internal/janitor"
	"github.com/OpenIRL/srtla/internal/metrics"
	"github.com/OpenIRL/srtla/internal/registry"
	"github.com/OpenIRL/srtla/internal/selector"
	"github.com/OpenIRL/srtla/internal/udpsock"
	"github.com/OpenIRL/srtla/internal/wire"
)

// waitTimeoutMs bounds a single epoll_wait call. It is short enough that
// the janitor's periodic sweeps run promptly even under zero traffic, and
// it doubles as the granularity at which Run notices ctx cancellation.
const waitTimeoutMs = 1000

// Dispatcher owns the event loop: the poller, the listening socket, and
// every piece of state the loop dispatches into. Nothing outside Run (and
// the methods it calls) may touch reg, sel or the group/conn graph beneath
// it, which is what lets registry and group skip synchronization entirely.
type Dispatcher struct {
	log *slog.Logger

	poller    *ioloop.Poller
	listenFD  int
	srtAddr   netip.AddrPort
	fdToGroup map[int][wire.IDLen]byte

	reg *registry.Registry
	sel *selector.Selector
	jan *janitor.Janitor
	met *metrics.Metrics
}

// New creates a Dispatcher listening on srtlaPort and forwarding to
// srtAddr. It binds the listening socket and epoll instance immediately;
// Run drives the loop.
func New(log *slog.Logger, srtlaPort uint16, srtAddr netip.AddrPort, met *metrics.Metrics) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dispatcher")

	poller, err := ioloop.New()
	if err != nil {
		return nil, err
	}

	listenFD, err := udpsock.Listen(srtlaPort)
	if err != nil {
		poller.Close()
		return nil, err
	}

	if err := poller.Add(listenFD); err != nil {
		unix.Close(listenFD)
		poller.Close()
		return nil, err
	}

	return &Dispatcher{
		log:       log,
		poller:    poller,
		listenFD:  listenFD,
		srtAddr:   srtAddr,
		fdToGroup: make(map[int][wire.IDLen]byte),
		reg:       registry.New(),
		sel:       selector.New(),
		jan:       janitor.New(log),
		met:       met,
	}, nil
}

// Close releases the listening socket and the poller. It does not tear
// down registered groups; Run's caller is expected to have already
// returned before calling Close.
func (d *Dispatcher) Close() error {
	unix.Close(d.listenFD)
	return d.poller.Close()
}

// Run drives the event loop until ctx is cancelled. now supplies the
// current unix-second clock; production callers pass a function backed by
// time.Now().Unix, tests pass a fake clock.
func (d *Dispatcher) Run(ctx context.Context, now func() int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		ready, err := d.poller.Wait(waitTimeoutMs)
		if err != nil {
			return fmt.Errorf("dispatcher: poll: %w", err)
		}

		t := now()
		groupsBefore := d.reg.Len()
		for _, fd := range ready {
			if fd == d.listenFD {
				d.handleSRTLA(t)
			} else if g := d.groupForFD(fd); g != nil {
				d.handleSRTData(g, t)
			}

			// The registry can only shrink mid-batch, never grow past
			// its capacity check; a shrink means a group in the rest of
			// this batch may have just been torn down, so stop rather
			// than dispatch into a group.SRTFD that no longer exists.
			if d.reg.Len() < groupsBefore {
				break
			}
		}

		for _, g := range d.jan.Tick(d.reg, d.sendSRTLA, t) {
			d.removeGroup(g)
		}

		if d.met != nil {
			d.met.SetGroups(d.reg.Len())
			d.met.SetConns(d.connCount())
		}
	}
}

func (d *Dispatcher) connCount() int {
	n := 0
	for _, g := range d.reg.Groups() {
		n += len(g.Conns)
	}
	return n
}

func (d *Dispatcher) groupForFD(fd int) *group.Group {
	id, ok := d.fdToGroup[fd]
	if !ok {
		return nil
	}
	g := d.reg.FindByID(id)
	if g == nil || g.SRTFD != fd {
		return nil
	}
	return g
}

// handleSRTLA processes exactly one datagram off the listening socket:
// the registration handshake, keepalive echoes, and uplink-to-downstream
// data forwarding of spec.md §4.3–§4.4.
func (d *Dispatcher) handleSRTLA(now int64) {
	buf := make([]byte, wire.MTU)
	n, from, err := unix.Recvfrom(d.listenFD, buf, 0)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			d.log.Warn("recvfrom listening socket", "error", err)
		}
		return
	}
	addr, ok := udpsock.FromSockaddr(from)
	if !ok {
		return
	}
	buf = buf[:n]

	switch {
	case wire.IsSRTLAReg1(buf):
		d.handleReg1(addr, buf, now)
		return
	case wire.IsSRTLAReg2(buf):
		d.handleReg2(addr, buf, now)
		return
	}

	g, c := d.reg.FindByAddr(addr)
	if g == nil || c == nil {
		return
	}
	c.Touch(now)
	g.LastAddr = addr

	if wire.IsSRTLAKeepalive(buf) {
		d.sendSRTLA(wire.BuildKeepalive(), addr)
		return
	}
	if n < wire.SRTMinHeaderLen {
		return
	}

	if wire.IsSRTData(buf) {
		if sn := wire.SRTSeqNo(buf); sn >= 0 {
			if ack := c.RecordDataSeq(sn); ack != nil {
				d.sendSRTLA(ack, addr)
				if d.met != nil {
					d.met.IncACKSent()
				}
			}
		}
	}

	if !g.HasDownstream() {
		if err := g.OpenDownstream(d.srtAddr, d.registerDownstream(g)); err != nil {
			d.log.Warn("open downstream socket", "error", err)
			d.removeGroup(g)
			return
		}
	}

	if wn, err := unix.Write(g.SRTFD, buf); err != nil || wn != len(buf) {
		d.log.Warn("forward to downstream", "error", err, "n", wn)
		d.removeGroup(g)
		return
	}
	if d.met != nil {
		d.met.AddBytesUp(n)
	}
}

// registerDownstream returns a closure suitable for group.OpenDownstream's
// add parameter: it registers fd with the poller and records the fd->group
// mapping the dispatch loop uses to route downstream readiness events.
func (d *Dispatcher) registerDownstream(g *group.Group) func(fd int) error {
	return func(fd int) error {
		if err := d.poller.Add(fd); err != nil {
			return err
		}
		d.fdToGroup[fd] = g.ID
		return nil
	}
}

// handleReg1 implements the REG1 -> REG2 step of spec.md §4.3.
func (d *Dispatcher) handleReg1(addr netip.AddrPort, buf []byte, now int64) {
	if d.reg.Full() {
		d.log.Info("registration rejected: registry full", "peer", addr)
		d.sendSRTLA(wire.BuildRegErr(), addr)
		d.incRegFailure()
		return
	}
	if g, _ := d.reg.FindByAddr(addr); g != nil {
		d.log.Info("registration rejected: address already registered", "peer", addr)
		d.sendSRTLA(wire.BuildRegErr(), addr)
		d.incRegFailure()
		return
	}

	g, err := group.New(wire.Reg1Nonce(buf), now)
	if err != nil {
		d.log.Error("create group", "error", err)
		return
	}
	g.LastAddr = addr

	if err := d.sendTo(wire.BuildReg2(g.ID), addr); err != nil {
		d.log.Warn("send REG2, dropping group", "peer", addr, "error", err)
		return
	}
	d.reg.Insert(g)
	d.log.Info("group registered", "peer", addr)
}

// handleReg2 implements the REG2 -> REG3 step of spec.md §4.3.
func (d *Dispatcher) handleReg2(addr netip.AddrPort, buf []byte, now int64) {
	var id [wire.IDLen]byte
	copy(id[:], wire.Reg2ID(buf))

	g := d.reg.FindByID(id)
	if g == nil {
		d.sendSRTLA(wire.BuildRegNGP(), addr)
		d.incRegFailure()
		return
	}
	if owner, _ := d.reg.FindByAddr(addr); owner != nil && owner != g {
		d.sendSRTLA(wire.BuildRegErr(), addr)
		d.incRegFailure()
		return
	}

	c := g.FindConn(addr)
	if c == nil {
		if g.Full() {
			d.sendSRTLA(wire.BuildRegErr(), addr)
			d.incRegFailure()
			return
		}
		c = g.AddConn(addr, now)
	}

	d.sendSRTLA(wire.BuildReg3(), addr)

	g.LastAddr = addr
	if err := g.WriteSidecar(); err != nil {
		d.log.Warn("write sidecar", "error", err)
	}
}

// handleSRTData processes exactly one datagram off a group's downstream
// SRT socket: ACK broadcast and selector-driven forwarding, per spec.md
// §4.5.
func (d *Dispatcher) handleSRTData(g *group.Group, now int64) {
	buf := make([]byte, wire.MTU)
	n, err := unix.Read(g.SRTFD, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		d.log.Warn("read downstream socket", "error", err)
		d.removeGroup(g)
		return
	}
	if n < wire.SRTMinHeaderLen {
		d.log.Warn("short read from downstream socket, dropping group")
		d.removeGroup(g)
		return
	}
	buf = buf[:n]

	if d.met != nil {
		d.met.AddBytesDown(n)
	}

	if wire.IsSRTAck(buf) {
		for _, c := range g.Conns {
			d.sendSRTLA(buf, c.PeerAddr)
		}
		return
	}

	if c := d.sel.Select(g, now); c != nil {
		if err := d.sendTo(buf, c.PeerAddr); err != nil {
			d.log.Warn("forward to uplink", "peer", c.PeerAddr, "error", err)
			return
		}
		c.AddSent(n)
		return
	}

	if err := d.sendTo(buf, g.LastAddr); err != nil {
		d.log.Warn("forward to fallback uplink", "peer", g.LastAddr, "error", err)
	}
}

func (d *Dispatcher) removeGroup(g *group.Group) {
	fd := g.SRTFD
	d.reg.Remove(g, d.poller.Remove)
	if fd >= 0 {
		delete(d.fdToGroup, fd)
	}
}

func (d *Dispatcher) incRegFailure() {
	if d.met != nil {
		d.met.IncRegFailure()
	}
}

// sendTo sends payload to a peer over the listening socket and returns any
// error, for callers that must react to a failed send (registration).
func (d *Dispatcher) sendTo(payload []byte, to netip.AddrPort) error {
	return unix.Sendto(d.listenFD, payload, 0, udpsock.ToSockaddr(to))
}

// sendSRTLA is the fire-and-forget variant used for keepalive echoes,
// ACK/REG_ERR/REG_NGP replies and janitor pings: failures are logged and
// otherwise ignored, matching the "transient I/O: log, continue" rule of
// spec.md §7. Its signature matches janitor.Send so it can be passed
// directly to janitor.Tick.
func (d *Dispatcher) sendSRTLA(payload []byte, to netip.AddrPort) {
	if err := d.sendTo(payload, to); err != nil {
		d.log.Warn("send to peer", "peer", to, "error", err)
	}
}
