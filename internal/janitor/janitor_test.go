package janitor

import (
	"net/netip"
	"testing"

	"github.com/OpenIRL/srtla/internal/group"
	"github.com/OpenIRL/srtla/internal/registry"
)

func testAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), port)
}

type sentPacket struct {
	payload []byte
	to      netip.AddrPort
}

func recordingSend(sent *[]sentPacket) Send {
	return func(payload []byte, to netip.AddrPort) {
		*sent = append(*sent, sentPacket{payload: payload, to: to})
	}
}

func newRegisteredGroup(t *testing.T, reg *registry.Registry, now int64) *group.Group {
	t.Helper()
	g, err := group.New(make([]byte, 16), now)
	if err != nil {
		t.Fatalf("group.New: %v", err)
	}
	reg.Insert(g)
	return g
}

// TestCleanupSendsRecoveryProbes reproduces spec scenario 6: a connection
// silent for CONN_TIMEOUT/4+1s gets three keepalives and recovery_attempts
// goes from 0 to 1.
func TestCleanupSendsRecoveryProbes(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	g := newRegisteredGroup(t, reg, 0)
	c := g.AddConn(testAddr(1), 0)
	c.LastRcvd = 0

	j := New(nil)
	now := int64(ConnTimeout/4 + 1)

	var sent []sentPacket
	j.cleanup(reg, recordingSend(&sent), now)

	if c.RecoveryAttempts != 1 {
		t.Fatalf("RecoveryAttempts = %d, want 1", c.RecoveryAttempts)
	}
	if len(sent) != recoveryKeepalives {
		t.Fatalf("sent %d keepalives, want %d", len(sent), recoveryKeepalives)
	}
	for _, p := range sent {
		if p.to != c.PeerAddr {
			t.Errorf("keepalive sent to %v, want %v", p.to, c.PeerAddr)
		}
	}
}

func TestCleanupRemovesConnectionPastThreshold(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	g := newRegisteredGroup(t, reg, 0)
	g.AddConn(testAddr(1), 0)

	j := New(nil)
	now := int64(float64(ConnTimeout)*removeThresholdFactor) + 1

	j.cleanup(reg, func([]byte, netip.AddrPort) {}, now)

	if len(g.Conns) != 0 {
		t.Fatalf("Conns after cleanup = %d, want 0", len(g.Conns))
	}
}

func TestCleanupRemovesEmptyExpiredGroup(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	g := newRegisteredGroup(t, reg, 0)
	// No connections at all: the group should be flagged for removal once
	// its own timeout has elapsed.

	j := New(nil)
	toRemove := j.cleanup(reg, func([]byte, netip.AddrPort) {}, GroupTimeout+1)

	if len(toRemove) != 1 || toRemove[0] != g {
		t.Fatalf("cleanup returned %v, want [%v]", toRemove, g)
	}
}

func TestCleanupRespectsItsOwnPeriod(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	newRegisteredGroup(t, reg, 0)

	j := New(nil)
	j.lastCleanup = 100

	var sent []sentPacket
	got := j.cleanup(reg, recordingSend(&sent), 101)
	if got != nil || len(sent) != 0 {
		t.Fatal("cleanup ran before CleanupPeriod elapsed")
	}
}

func TestPingSendsKeepaliveToIdleConnection(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	g := newRegisteredGroup(t, reg, 0)
	c := g.AddConn(testAddr(1), 0)
	c.LastRcvd = 0

	j := New(nil)
	now := int64(ConnTimeout/5) + 1

	var sent []sentPacket
	j.ping(reg, recordingSend(&sent), now)

	if len(sent) != 1 {
		t.Fatalf("sent %d keepalives, want 1", len(sent))
	}
}

func TestPingSendsExtraKeepalivesDuringRecovery(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	g := newRegisteredGroup(t, reg, 0)
	c := g.AddConn(testAddr(1), 0)
	c.LastRcvd = 0
	c.RecoveryAttempts = 1

	j := New(nil)
	now := int64(ConnTimeout/5) + 1

	var sent []sentPacket
	j.ping(reg, recordingSend(&sent), now)

	want := 1 + proactiveRecoveryPings
	if len(sent) != want {
		t.Fatalf("sent %d keepalives, want %d", len(sent), want)
	}
}
