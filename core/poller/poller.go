package poller

import "errors"

// Interest selects which readiness conditions a descriptor is watched for
type Interest uint32

const (
	// Readable watches for data available to read (or a pending accept)
	Readable Interest = 1 << iota
	// Writable watches for send capacity
	Writable
	// EdgeTriggered reports a condition once per transition instead of while it holds
	EdgeTriggered
)

// Readiness is the condition mask reported for a ready descriptor
type Readiness uint32

const (
	// ReadReady means a read will not block
	ReadReady Readiness = 1 << iota
	// WriteReady means a write will not block
	WriteReady
	// ErrorReady reports an error condition on the descriptor
	ErrorReady
	// HangupReady reports that the peer closed the connection
	HangupReady
)

// Ready pairs a descriptor with the conditions reported for it
type Ready struct {
	Fd     int
	Events Readiness
}

// ErrClosed is returned by operations on a closed poller
var ErrClosed = errors.New("poller: closed")

// Poller is the I/O multiplexing interface
type Poller interface {
	// Add starts watching fd for the given interest
	Add(fd int, interest Interest) error
	// Remove stops watching fd
	Remove(fd int) error
	// Wait blocks up to timeoutMs (negative blocks indefinitely) and fills
	// events with ready descriptors, returning how many were filled.
	// An interrupted wait reports zero events and no error.
	Wait(events []Ready, timeoutMs int) (int, error)
	// Close releases the multiplexer handle
	Close() error
}
