// Package conn holds the per-uplink connection record: the client-side UDP
// endpoint within a group, its recv-log ring for SRTLA ACK batching, and
// the capacity/health state the selector reads and mutates.
package conn

import (
	"net/netip"

	"github.com/OpenIRL/srtla/internal/wire"
)

// Conn represents one client uplink within a group. It is owned
// exclusively by the dispatcher's event-loop goroutine; nothing else may
// read or write it.
type Conn struct {
	// PeerAddr is the client-side UDP endpoint. Immutable after
	// construction, used as identity across the registry.
	PeerAddr netip.AddrPort

	LastRcvd int64 // unix seconds of the last packet received from PeerAddr

	// RecvLog is a ring of the last RecvACKInt SRT data sequence numbers,
	// stored in native byte order; wire.BuildAck serializes them to
	// network byte order. RecvIdx is always in [0, wire.RecvACKInt).
	RecvLog [wire.RecvACKInt]uint32
	RecvIdx int

	BytesSent         uint64
	BytesThisPeriod   uint64
	MaxBytesPerPeriod uint64
	LastCapacityUpdate int64

	HealthStatus       int64 // unix seconds of first symptom, 0 if healthy
	SuccessiveFailures int
	RecoveryAttempts   int
}

// New creates a connection record for peer, first seen at now.
func New(peer netip.AddrPort, now int64) *Conn {
	return &Conn{
		PeerAddr:           peer,
		LastRcvd:           now,
		LastCapacityUpdate: now,
	}
}

// RecordDataSeq appends sn to the recv-log ring. It returns the completed
// ACK payload and resets the ring when the ring fills to RecvACKInt
// entries, otherwise it returns nil.
func (c *Conn) RecordDataSeq(sn int32) []byte {
	c.RecvLog[c.RecvIdx] = uint32(sn)
	c.RecvIdx++

	if c.RecvIdx != wire.RecvACKInt {
		return nil
	}

	ack := wire.BuildAck(c.RecvLog)
	c.RecvIdx = 0
	return ack
}

// Touch marks a packet as received from this connection at now.
func (c *Conn) Touch(now int64) {
	c.LastRcvd = now
}

// AddSent records n bytes dispatched to this connection, updating both
// the lifetime and per-period counters.
func (c *Conn) AddSent(n int) {
	c.BytesSent += uint64(n)
	c.BytesThisPeriod += uint64(n)
}
