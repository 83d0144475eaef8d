//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd      int
	events    []unix.Kevent_t
	interests map[int]Interest
	closed    bool
}

// New creates a new Poller (macOS)
func New() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:      kqfd,
		events:    make([]unix.Kevent_t, 64),
		interests: make(map[int]Interest),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}

	flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if interest&EdgeTriggered != 0 {
		flags |= unix.EV_CLEAR
	}

	changes := make([]unix.Kevent_t, 0, 2)
	if interest&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if interest&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}

	if _, err := unix.Kevent(p.kqfd, changes, nil, nil); err != nil {
		return err
	}
	p.interests[fd] = interest
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	if p.closed {
		return ErrClosed
	}

	interest, ok := p.interests[fd]
	if !ok {
		return unix.ENOENT
	}
	delete(p.interests, fd)

	changes := make([]unix.Kevent_t, 0, 2)
	if interest&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if interest&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(events []Ready, timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.Kevent_t, len(events))
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events[:len(events)], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		kev := p.events[i]
		var r Readiness
		switch kev.Filter {
		case unix.EVFILT_READ:
			r |= ReadReady
		case unix.EVFILT_WRITE:
			r |= WriteReady
		}
		if kev.Flags&unix.EV_EOF != 0 {
			r |= HangupReady
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			r |= ErrorReady
		}
		events[i] = Ready{Fd: int(kev.Ident), Events: r}
	}
	return n, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return unix.Close(p.kqfd)
}
