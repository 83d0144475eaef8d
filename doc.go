/*
Package caskserver is a small paste service built on a non-blocking HTTP/1.x
server and an append-only, hash-indexed store.

Pastes are created with POST / and read back with GET /<id>. Each worker
owns an epoll reactor, accepts from a shared listening socket and drives its
connections through a read/process/write state machine with an idle timer.
Pastes live in a single file: a memory-mapped header and bucket table followed
by length-prefixed records that are never rewritten.

A Unix domain socket reports uptime and per-worker status. The caskmon
command reads it.

Running

	caskd -p 3000 -w 4 -d cask.db -s cask.sock
	curl --data-binary @notes.txt localhost:3000/
	curl localhost:3000/0
	caskmon cask.sock

Settings come from flags, CASK_* environment variables and an optional
JSON or TOML file, in that order of precedence.

Packages

  - app: process wiring, HTTP handlers and lifecycle
  - config: flag, environment and file configuration
  - core: listener, workers, connection state machine and request context
  - core/http: incremental request parser and response encoding
  - core/router: method and path route table
  - core/reactor: per-worker event loop with timers
  - core/poller: epoll (Linux) and kqueue (macOS) readiness
  - core/pqueue: priority queue backing the timers
  - core/middleware: handler pipeline with recovery, logging and metrics
  - core/pools: byte buffers and GC settings
  - core/filemap: read-only file mappings
  - core/observability: per-route request metrics
  - store: the paste store
  - ipc: status protocol, server and client
*/
package caskserver
