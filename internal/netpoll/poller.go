// Package netpoll wraps the Linux epoll facility behind a small poller type
// suitable for a single-threaded event loop. It also provides the non-blocking
// listener socket helpers the loop needs (listen, accept) so that all raw-fd
// handling lives in one place.
//
// The poller multiplexes readiness across many descriptors with a single
// blocking call. A registered eventfd acts as a wakeup channel: another
// goroutine (typically a signal handler) can interrupt a Wait in progress so
// the loop re-checks its shutdown flag promptly instead of riding out the
// poll timeout.
//
// The poller is not safe for concurrent use; only Wake may be called from
// other goroutines.
package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event reports readiness for one registered descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

type Poller struct {
	epfd   int
	wakeFd int

	// Reused between Wait calls; the loop consumes results before the
	// next call, so no aliasing hazard exists on the single owner thread.
	epollEvents []unix.EpollEvent
	events      []Event
}

// New creates an epoll instance with an internal eventfd registered for
// wakeups.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{
		epfd:        epfd,
		wakeFd:      wakeFd,
		epollEvents: make([]unix.EpollEvent, 128),
		events:      make([]Event, 0, 128),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("register wakeup fd: %w", err)
	}

	return p, nil
}

func eventMask(writable bool) uint32 {
	// EPOLLRDHUP lets a half-closed peer surface as readable, so the loop
	// observes the disconnect through its normal read path.
	mask := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Add registers fd for read readiness, plus write readiness when writable
// is set.
func (p *Poller) Add(fd int, writable bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventMask(writable),
		Fd:     int32(fd),
	})
}

// Modify updates the interest mask of an already-registered fd.
func (p *Poller) Modify(fd int, writable bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventMask(writable),
		Fd:     int32(fd),
	})
}

// Remove deregisters fd. The caller remains responsible for closing it.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one descriptor is ready or timeoutMs elapses
// (-1 blocks indefinitely). An interrupted wait returns unix.EINTR so the
// caller can re-check its shutdown flag. Wakeup events are consumed
// internally and never surfaced.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.epollEvents, timeoutMs)
	if err != nil {
		return nil, err
	}

	p.events = p.events[:0]
	for i := 0; i < n; i++ {
		ev := p.epollEvents[i]
		fd := int(ev.Fd)

		if fd == p.wakeFd {
			p.drainWake()
			continue
		}

		p.events = append(p.events, Event{
			FD:       fd,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		})
	}

	return p.events, nil
}

// Wake interrupts a Wait in progress. Safe to call from any goroutine.
func (p *Poller) Wake() error {
	var one = [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (p *Poller) Close() error {
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
