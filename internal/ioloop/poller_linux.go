// Package ioloop wraps the level-triggered readiness primitive the
// dispatcher's event loop runs on. On Linux this is epoll, mirroring the
// epoll_wait loop of the original srtla_rec C implementation; a single
// Poller is shared by the listening SRTLA socket and every group's
// downstream SRT socket.
package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxEvents bounds how many ready fds a single Wait call returns, matching
// the reference implementation's MAX_EPOLL_EVENTS.
const MaxEvents = 10

// Poller is a level-triggered, read-readiness epoll instance.
type Poller struct {
	fd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	return &Poller{fd: fd}, nil
}

// Add registers fd for read readiness.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(add, %d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It is a no-op if fd was never added or was
// already removed (mirrors the "close exactly once" ownership rule: the
// caller is expected to call Remove before closing fd, but Remove itself
// tolerates being called on an fd epoll no longer knows about).
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("ioloop: epoll_ctl(del, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMs milliseconds and returns the set of fds
// that became read-ready, or none on timeout. A negative timeoutMs blocks
// indefinitely.
func (p *Poller) Wait(timeoutMs int) ([]int, error) {
	var events [MaxEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.fd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("ioloop: epoll_wait: %w", err)
	}
	ready := make([]int, n)
	for i := 0; i < n; i++ {
		ready[i] = int(events[i].Fd)
	}
	return ready, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
