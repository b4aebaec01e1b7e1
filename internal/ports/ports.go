package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

const (
	// DefaultBasePort is where preview dev servers start probing.
	DefaultBasePort = 3001
	// DefaultSpan bounds the probe so allocation cannot search forever.
	DefaultSpan = 100
)

// ErrNoPortAvailable signals that every candidate in the probe window was
// either reserved or already bound.
var ErrNoPortAvailable = errors.New("ports: no available port in probe window")

// Allocator hands out bindable ports from a fixed window. Each probe opens
// and immediately releases a listener, so a port can still be stolen by
// another OS process between allocation and the dev server binding it; that
// race is accepted and surfaces as a startup failure. Reservations only
// prevent this process from handing the same port to two deployments.
type Allocator struct {
	base int
	span int

	mu       sync.Mutex
	reserved map[int]bool
}

// NewAllocator returns an allocator probing span ports starting at base.
// Non-positive arguments fall back to the defaults.
func NewAllocator(base, span int) *Allocator {
	if base <= 0 {
		base = DefaultBasePort
	}
	if span <= 0 {
		span = DefaultSpan
	}
	return &Allocator{base: base, span: span, reserved: make(map[int]bool)}
}

// Allocate returns the first unreserved port in the window that can be
// bound right now, and reserves it until Release is called.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.span; i++ {
		port := a.base + i
		if a.reserved[port] {
			continue
		}
		if !probe(port) {
			continue
		}
		a.reserved[port] = true
		return port, nil
	}
	return 0, ErrNoPortAvailable
}

// Release frees a reservation so the port can be handed out again.
// Releasing an unreserved port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved reports whether the allocator currently holds the port.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

// probe checks that the port can be bound at this instant.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
