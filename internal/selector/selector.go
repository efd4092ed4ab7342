// Package selector implements the per-packet uplink choice described in
// spec.md §4.6: periodic capacity maintenance every 30 seconds, and a
// round-robin-with-least-loaded-shortcut policy that concentrates traffic
// away from saturated paths. The decomposition mirrors
// original_source/src/main.cpp's select_best_conn and its helpers, one
// function per stage, so each stage is independently testable.
package selector

import (
	"math"
	"sort"

	"github.com/OpenIRL/srtla/internal/conn"
	"github.com/OpenIRL/srtla/internal/group"
)

// Tunables from spec.md §4.6 and §4.7.
const (
	DecayPeriodSeconds       = 30
	UtilizationThreshold     = 0.7
	UtilizationCap           = 2.0
	InactivityShrinkAfterSec = 60
	InactivityShrinkFactor   = 0.8
	SentBytesDecayFactor     = 0.5

	ConnTimeout = 10 // CONN_TIMEOUT, seconds

	activeFailureLimit   = 3
	recoveryAttemptLimit = 5
	healthDeteriorateSec = 5
)

// Selector holds the state shared across an entire process: the last
// decay tick and the round-robin cursor. It is owned by the dispatcher's
// event-loop goroutine, exactly like the registry.
type Selector struct {
	lastDecay        int64
	roundRobinCursor uint64
}

// New creates a Selector with no decay tick recorded yet.
func New() *Selector {
	return &Selector{}
}

// LastDecay returns the unix-second timestamp of the last capacity
// maintenance tick.
func (s *Selector) LastDecay() int64 {
	return s.lastDecay
}

// MaintainCapacity runs the periodic (every 30s) capacity/health update
// across every connection of g, if more than 30 seconds have passed since
// the last tick. The tick is process-wide (shared across all groups)
// exactly as in the reference implementation: the first call after the
// 30s boundary updates lastDecay and maintains only the connections of
// the group it was called with; other groups' Select calls then see the
// new lastDecay and skip maintenance until the next boundary.
func (s *Selector) MaintainCapacity(g *group.Group, now int64) {
	if now-s.lastDecay <= DecayPeriodSeconds {
		return
	}
	s.lastDecay = now

	for _, c := range g.Conns {
		updateCapacityEstimate(c, now)
		c.BytesSent = uint64(float64(c.BytesSent) * SentBytesDecayFactor)
		updateHealth(c, now)
	}
}

func updateCapacityEstimate(c *conn.Conn, now int64) {
	if c.BytesThisPeriod > 0 {
		if c.BytesThisPeriod > c.MaxBytesPerPeriod {
			c.MaxBytesPerPeriod = c.BytesThisPeriod
			c.LastCapacityUpdate = now
		}
		c.BytesThisPeriod = 0
	} else if c.MaxBytesPerPeriod > 0 && now-c.LastCapacityUpdate > InactivityShrinkAfterSec {
		c.MaxBytesPerPeriod = uint64(float64(c.MaxBytesPerPeriod) * InactivityShrinkFactor)
	}
}

// updateHealth implements the three-state health machine of spec.md §4.7.
func updateHealth(c *conn.Conn, now int64) {
	if now-c.LastRcvd <= ConnTimeout/2 {
		c.HealthStatus = 0
		c.SuccessiveFailures = 0
		return
	}

	if c.HealthStatus == 0 {
		c.HealthStatus = now
		c.SuccessiveFailures = 0
		return
	}

	if now-c.HealthStatus > healthDeteriorateSec {
		c.SuccessiveFailures++
		c.HealthStatus = now
	}
}

func isActive(c *conn.Conn, now int64) bool {
	return c.LastRcvd+ConnTimeout >= now && c.SuccessiveFailures < activeFailureLimit
}

// activeConns returns the active set (spec.md §4.6 step 1), and, on a
// 30-second wall-clock boundary, gives excluded connections a chance to
// re-enter by clamping their SuccessiveFailures down to 2.
func activeConns(g *group.Group, now int64) []*conn.Conn {
	rehab := now%DecayPeriodSeconds == 0

	var active []*conn.Conn
	for _, c := range g.Conns {
		if isActive(c, now) {
			active = append(active, c)
			continue
		}
		if c.SuccessiveFailures >= activeFailureLimit && rehab {
			c.SuccessiveFailures = activeFailureLimit - 1
		}
	}
	return active
}

func recoveryConns(g *group.Group) []*conn.Conn {
	var recovering []*conn.Conn
	for _, c := range g.Conns {
		if c.RecoveryAttempts > 0 && c.RecoveryAttempts < recoveryAttemptLimit {
			recovering = append(recovering, c)
		}
	}
	return recovering
}

// fallbackConn returns the connection with the largest LastRcvd, or nil
// if g has no connections.
func fallbackConn(g *group.Group) *conn.Conn {
	var best *conn.Conn
	for _, c := range g.Conns {
		if best == nil || c.LastRcvd > best.LastRcvd {
			best = c
		}
	}
	return best
}

func timeFactor(now, lastDecay int64) float64 {
	elapsed := float64(now - lastDecay)
	min := 0.01 * DecayPeriodSeconds
	max := float64(DecayPeriodSeconds)
	if elapsed < min {
		elapsed = min
	} else if elapsed > max {
		elapsed = max
	}
	return elapsed / DecayPeriodSeconds
}

func utilization(c *conn.Conn, tf float64) float64 {
	if c.MaxBytesPerPeriod == 0 {
		return 0
	}
	u := (float64(c.BytesThisPeriod) / tf) / float64(c.MaxBytesPerPeriod)
	return math.Min(u, UtilizationCap)
}

type scored struct {
	c *conn.Conn
	u float64
}

// Select chooses the connection that should carry the next forwarded
// data packet, or nil if g has no connections at all.
func (s *Selector) Select(g *group.Group, now int64) *conn.Conn {
	if len(g.Conns) == 0 {
		return nil
	}

	s.MaintainCapacity(g, now)

	candidates := activeConns(g, now)
	if len(candidates) == 0 {
		candidates = recoveryConns(g)
	}
	if len(candidates) == 0 {
		return fallbackConn(g)
	}

	selected := s.selectFromCandidates(candidates, now)
	if selected != nil && selected.RecoveryAttempts > 0 {
		selected.RecoveryAttempts = 0
	}
	return selected
}

func (s *Selector) selectFromCandidates(candidates []*conn.Conn, now int64) *conn.Conn {
	tf := timeFactor(now, s.lastDecay)

	scores := make([]scored, len(candidates))
	anyAtCapacity := false
	for i, c := range candidates {
		u := utilization(c, tf)
		scores[i] = scored{c: c, u: u}
		if u > UtilizationThreshold {
			anyAtCapacity = true
		}
	}

	s.roundRobinCursor++

	if anyAtCapacity {
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].u < scores[j].u })
		bucket := len(scores) / 2
		if bucket == 0 {
			bucket = 1
		}
		return scores[s.roundRobinCursor%uint64(bucket)].c
	}

	if s.roundRobinCursor%3 == 0 {
		return leastLoaded(candidates)
	}
	return candidates[s.roundRobinCursor%uint64(len(candidates))]
}

func leastLoaded(candidates []*conn.Conn) *conn.Conn {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.BytesSent < best.BytesSent {
			best = c
		}
	}
	return best
}
