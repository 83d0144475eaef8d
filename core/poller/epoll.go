//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	closed bool
}

// New creates a new Poller (Linux)
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 64),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{
		Events: interestToEpoll(interest),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	if p.closed {
		return ErrClosed
	}
	// Pre-2.6.9 kernels require a non-nil event even for EPOLL_CTL_DEL
	var ev unix.EpollEvent
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(events []Ready, timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.EpollEvent, len(events))
	}

	n, err := unix.EpollWait(p.epfd, p.events[:len(events)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		events[i] = Ready{
			Fd:     int(p.events[i].Fd),
			Events: epollToReadiness(p.events[i].Events),
		}
	}
	return n, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func interestToEpoll(interest Interest) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if interest&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func epollToReadiness(ev uint32) Readiness {
	var r Readiness
	if ev&unix.EPOLLIN != 0 {
		r |= ReadReady
	}
	if ev&unix.EPOLLOUT != 0 {
		r |= WriteReady
	}
	if ev&unix.EPOLLERR != 0 {
		r |= ErrorReady
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		r |= HangupReady
	}
	return r
}
