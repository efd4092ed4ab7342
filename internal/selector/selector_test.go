package selector

import (
	"net/netip"
	"testing"

	"github.com/OpenIRL/srtla/internal/conn"
	"github.com/OpenIRL/srtla/internal/group"
)

func testAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), port)
}

func newTestGroup(t *testing.T) *group.Group {
	t.Helper()
	g, err := group.New(make([]byte, 16), 0)
	if err != nil {
		t.Fatalf("group.New: %v", err)
	}
	return g
}

func TestSelectOnEmptyGroupReturnsNil(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)
	if got := s.Select(g, 0); got != nil {
		t.Fatalf("Select on empty group = %v, want nil", got)
	}
}

// TestSaturatedPathRebalance reproduces spec scenario 3: uplink X is at
// u ~= 1.6 (over threshold), uplink Y at u ~= 0.2. With two candidates the
// sorted-ascending bucket size is max(1, 2/2) = 1, so the selector always
// returns the least-utilized connection regardless of round-robin parity.
func TestSaturatedPathRebalance(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)

	x := g.AddConn(testAddr(1), 0)
	x.MaxBytesPerPeriod = 1_000_000
	x.BytesThisPeriod = 800_000
	x.LastRcvd = 15

	y := g.AddConn(testAddr(2), 0)
	y.MaxBytesPerPeriod = 1_000_000
	y.BytesThisPeriod = 100_000
	y.LastRcvd = 15

	// Force MaintainCapacity to have run already this period so
	// BytesThisPeriod values above aren't zeroed by it during Select.
	s.lastDecay = 0

	for i := 0; i < 3; i++ {
		got := s.Select(g, 15)
		if got != y {
			t.Fatalf("call %d: Select = %v, want the less-utilized uplink %v", i, got, y)
		}
	}
}

func TestSelectPrefersActiveOverRecovery(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)

	active := g.AddConn(testAddr(1), 100)
	active.LastRcvd = 100

	recovering := g.AddConn(testAddr(2), 100)
	recovering.LastRcvd = 0
	recovering.RecoveryAttempts = 1

	got := s.Select(g, 100)
	if got != active {
		t.Fatalf("Select = %v, want the active connection %v", got, active)
	}
}

func TestSelectFallsBackToRecoverySet(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)

	c := g.AddConn(testAddr(1), 0)
	c.LastRcvd = 0
	c.SuccessiveFailures = activeFailureLimit
	c.RecoveryAttempts = 1

	got := s.Select(g, ConnTimeout*100)
	if got != c {
		t.Fatalf("Select = %v, want the sole recovering connection", got)
	}
}

func TestSelectFallsBackToMostRecentlyActive(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)

	stale := g.AddConn(testAddr(1), 0)
	stale.LastRcvd = 10
	stale.SuccessiveFailures = activeFailureLimit

	stalest := g.AddConn(testAddr(2), 0)
	stalest.LastRcvd = 5
	stalest.SuccessiveFailures = activeFailureLimit

	got := s.Select(g, ConnTimeout*100)
	if got != stale {
		t.Fatalf("Select = %v, want the most recently active connection %v", got, stale)
	}
}

func TestSelectResetsRecoveryAttemptsOnSuccess(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)

	c := g.AddConn(testAddr(1), 0)
	c.LastRcvd = 0
	c.RecoveryAttempts = 2

	got := s.Select(g, ConnTimeout*100)
	if got != c {
		t.Fatalf("Select = %v, want %v", got, c)
	}
	if c.RecoveryAttempts != 0 {
		t.Fatalf("RecoveryAttempts after successful selection = %d, want 0", c.RecoveryAttempts)
	}
}

func TestUpdateHealthTransitions(t *testing.T) {
	t.Parallel()
	c := conn.New(testAddr(1), 0)
	c.LastRcvd = 0

	updateHealth(c, 0)
	if c.HealthStatus != 0 || c.SuccessiveFailures != 0 {
		t.Fatalf("healthy state: got status=%d failures=%d, want 0,0", c.HealthStatus, c.SuccessiveFailures)
	}

	updateHealth(c, ConnTimeout/2+1)
	if c.HealthStatus == 0 {
		t.Fatal("expected symptomatic state to stamp health_status")
	}
	symptomAt := c.HealthStatus

	updateHealth(c, symptomAt+healthDeteriorateSec+1)
	if c.SuccessiveFailures != 1 {
		t.Fatalf("SuccessiveFailures after deterioration = %d, want 1", c.SuccessiveFailures)
	}
}

func TestActiveConnsRehabOnThirtySecondBoundary(t *testing.T) {
	t.Parallel()
	g := newTestGroup(t)
	c := g.AddConn(testAddr(1), 0)
	c.LastRcvd = 0
	c.SuccessiveFailures = activeFailureLimit

	// Not a rehab tick: still excluded, failures untouched.
	if got := activeConns(g, 61); len(got) != 0 {
		t.Fatalf("activeConns at non-boundary = %v, want empty", got)
	}
	if c.SuccessiveFailures != activeFailureLimit {
		t.Fatalf("SuccessiveFailures mutated on non-boundary tick: %d", c.SuccessiveFailures)
	}

	// Rehab tick: still excluded from this call's result (last_rcvd too
	// stale to be active), but failures are clamped down by one.
	activeConns(g, 60)
	if c.SuccessiveFailures != activeFailureLimit-1 {
		t.Fatalf("SuccessiveFailures after rehab tick = %d, want %d", c.SuccessiveFailures, activeFailureLimit-1)
	}
}

func TestMaintainCapacityRunsOnceEvery30Seconds(t *testing.T) {
	t.Parallel()
	s := New()
	g := newTestGroup(t)
	c := g.AddConn(testAddr(1), 0)
	c.BytesThisPeriod = 500
	c.BytesSent = 1000

	s.MaintainCapacity(g, 10)
	if c.MaxBytesPerPeriod != 0 {
		t.Fatalf("MaintainCapacity ran before the decay period elapsed")
	}

	s.MaintainCapacity(g, 31)
	if c.MaxBytesPerPeriod != 500 {
		t.Fatalf("MaxBytesPerPeriod = %d, want 500", c.MaxBytesPerPeriod)
	}
	if c.BytesSent != 500 {
		t.Fatalf("BytesSent after decay = %d, want 500 (halved)", c.BytesSent)
	}
	if c.BytesThisPeriod != 0 {
		t.Fatalf("BytesThisPeriod after maintenance = %d, want 0", c.BytesThisPeriod)
	}
}
