package core

import (
	"errors"
	"time"

	"github.com/searchktools/cask-server/core/http"
)

// I/O sizing
const (
	// ReadChunk is the most a connection reads per syscall
	ReadChunk = 4096
	// WriteChunk is the most a connection writes per syscall
	WriteChunk = 4096
	// MaxHeadSize bounds the request line plus headers
	MaxHeadSize = 64 * 1024
	// MaxRequestSize bounds a connection buffer while reading
	MaxRequestSize = MaxHeadSize + http.MaxBody
)

// DefaultIdleTimeout closes connections that make no progress
const DefaultIdleTimeout = 5 * time.Second

// AcceptRetryDelay is how long a worker waits before draining its listener
// again after accept failed with a resource error such as EMFILE
const AcceptRetryDelay = 100 * time.Millisecond

// Error definitions
var (
	ErrServerClosed    = errors.New("core: server shut down")
	ErrInvalidWorkers  = errors.New("core: worker count must be positive")
	ErrRequestTooLarge = errors.New("core: request exceeds buffer limit")
)
