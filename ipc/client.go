package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var ErrClientClosed = errors.New("ipc: client closed")

// Client queries a status server. Calls are serialized over one connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	closed  bool
}

// Dial connects to the status socket at path
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Status requests the packed status block
func (c *Client) Status() (Snapshot, error) {
	var snap Snapshot
	err := c.roundTrip(CmdStatus, func(r io.Reader) error {
		var err error
		snap, err = ReadStatus(r)
		return err
	})
	return snap, err
}

// StatusWire requests the extended snapshot
func (c *Client) StatusWire() (Snapshot, error) {
	var snap Snapshot
	err := c.roundTrip(CmdStatusWire, func(r io.Reader) error {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return fmt.Errorf("ipc: read length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > MaxWireSize {
			return fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("ipc: read snapshot: %w", err)
		}
		var err error
		snap, err = UnmarshalWire(body)
		return err
	})
	return snap, err
}

func (c *Client) roundTrip(cmd uint32, read func(io.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(Request{Command: cmd}.Encode()); err != nil {
		return fmt.Errorf("ipc: write request: %w", err)
	}

	var cmdBuf [4]byte
	if _, err := io.ReadFull(c.conn, cmdBuf[:]); err != nil {
		return fmt.Errorf("ipc: read reply: %w", err)
	}
	if got := binary.LittleEndian.Uint32(cmdBuf[:]); got != cmd {
		return fmt.Errorf("%w: %d, want %d", ErrUnexpectedCommand, got, cmd)
	}
	return read(c.conn)
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
