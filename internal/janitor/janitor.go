// Package janitor implements the periodic sweeps of spec.md §4.8:
// connection/group cleanup and proactive keepalive pings. Both tasks are
// invoked once per dispatcher loop iteration and self-throttle using a
// stored last-run timestamp, translating the reference implementation's
// function-local `static time_t last_ran` into ordinary struct fields.
package janitor

import (
	"log/slog"
	"net/netip"

	"github.com/OpenIRL/srtla/internal/group"
	"github.com/OpenIRL/srtla/internal/registry"
	"github.com/OpenIRL/srtla/internal/wire"
)

// Send delivers a raw SRTLA datagram to a peer address over the shared
// listening socket. internal/dispatcher supplies the implementation.
type Send func(payload []byte, to netip.AddrPort)

const (
	CleanupPeriod = 3  // CLEANUP_PERIOD, seconds
	GroupTimeout  = 10 // GROUP_TIMEOUT, seconds
	ConnTimeout   = 10 // CONN_TIMEOUT, seconds
	PingPeriod    = 2  // seconds

	removeThresholdFactor    = 1.5
	recoveryStartFactor      = 0.25 // CONN_TIMEOUT / 4
	proactivePingIdleFactor  = 0.2  // CONN_TIMEOUT / 5
	recoveryAttemptCeiling   = 5
	recoveryKeepalives       = 3
	proactiveRecoveryPings   = 2
)

// Janitor runs the two periodic sweeps against a Registry.
type Janitor struct {
	log         *slog.Logger
	lastCleanup int64
	lastPing    int64
}

// New creates a Janitor. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{log: log.With("component", "janitor")}
}

// Tick runs Cleanup and Ping if their respective periods have elapsed. It
// returns the set of groups that should be removed from reg (removal
// itself is left to the caller, since only the caller can also
// deregister the group's downstream fd from the poller).
func (j *Janitor) Tick(reg *registry.Registry, send Send, now int64) []*group.Group {
	toRemove := j.cleanup(reg, send, now)
	j.ping(reg, send, now)
	return toRemove
}

func (j *Janitor) cleanup(reg *registry.Registry, send Send, now int64) []*group.Group {
	if j.lastCleanup+CleanupPeriod > now {
		return nil
	}
	j.lastCleanup = now

	var toRemove []*group.Group

	for _, g := range reg.Groups() {
		before := len(g.Conns)
		kept := g.Conns[:0]
		for _, c := range g.Conns {
			if float64(c.LastRcvd)+removeThresholdFactor*ConnTimeout < float64(now) {
				j.log.Info("connection timed out", "peer", c.PeerAddr)
				continue
			}
			kept = append(kept, c)

			if float64(c.LastRcvd)+recoveryStartFactor*ConnTimeout < float64(now) && c.RecoveryAttempts < recoveryAttemptCeiling {
				for i := 0; i < recoveryKeepalives; i++ {
					send(wire.BuildKeepalive(), c.PeerAddr)
				}
				c.RecoveryAttempts++
				j.log.Debug("recovery probe sent", "peer", c.PeerAddr, "attempt", c.RecoveryAttempts)
			}
		}
		g.Conns = kept

		if len(g.Conns) == 0 && g.CreatedAt+GroupTimeout < now {
			toRemove = append(toRemove, g)
		} else if len(g.Conns) != before {
			if err := g.WriteSidecar(); err != nil {
				j.log.Warn("failed to rewrite sidecar file", "error", err)
			}
		}
	}

	return toRemove
}

func (j *Janitor) ping(reg *registry.Registry, send Send, now int64) {
	if j.lastPing+PingPeriod > now {
		return
	}
	j.lastPing = now

	for _, g := range reg.Groups() {
		for _, c := range g.Conns {
			if float64(now-c.LastRcvd) > proactivePingIdleFactor*ConnTimeout {
				send(wire.BuildKeepalive(), c.PeerAddr)
			}
			if c.RecoveryAttempts > 0 {
				for i := 0; i < proactiveRecoveryPings; i++ {
					send(wire.BuildKeepalive(), c.PeerAddr)
				}
			}
		}
	}
}
