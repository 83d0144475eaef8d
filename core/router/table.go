package router

import (
	"bytes"

	"github.com/searchktools/cask-server/core/http"
)

// Match selects how a route's path is compared with a request target
type Match uint8

const (
	// Exact matches the whole target
	Exact Match = iota
	// Prefix matches any target starting with the path
	Prefix
)

func (m Match) String() string {
	if m == Exact {
		return "exact"
	}
	return "prefix"
}

// Route binds a method and path to a handler
type Route[H any] struct {
	Method  http.Method
	Match   Match
	Path    string
	Handler H
}

// Name identifies the route in logs and metrics, e.g. "GET /" or "GET /*"
func (r Route[H]) Name() string {
	if r.Match == Prefix {
		return r.Method.String() + " " + r.Path + "*"
	}
	return r.Method.String() + " " + r.Path
}

// Table is a linear route table. An exact match wins immediately; otherwise
// the longest matching prefix is chosen. Build it before serving; it is
// read-only afterwards and safe to share between workers.
type Table[H any] struct {
	routes []Route[H]
}

// NewTable creates an empty route table
func NewTable[H any]() *Table[H] {
	return &Table[H]{}
}

// Add appends a route
func (t *Table[H]) Add(method http.Method, match Match, path string, h H) {
	if path == "" || path[0] != '/' {
		panic("router: path must begin with '/'")
	}
	t.routes = append(t.routes, Route[H]{Method: method, Match: match, Path: path, Handler: h})
}

// Routes returns the registered routes in insertion order
func (t *Table[H]) Routes() []Route[H] {
	return t.routes
}

// Lookup finds the route for method and target
func (t *Table[H]) Lookup(method http.Method, target []byte) (Route[H], bool) {
	best := -1
	longest := 0
	for i := range t.routes {
		r := &t.routes[i]
		if r.Method != method {
			continue
		}
		if r.Match == Exact {
			if string(target) == r.Path {
				return *r, true
			}
			continue
		}
		if bytes.HasPrefix(target, []byte(r.Path)) && len(r.Path) > longest {
			best = i
			longest = len(r.Path)
		}
	}
	if best < 0 {
		var zero Route[H]
		return zero, false
	}
	return t.routes[best], true
}
