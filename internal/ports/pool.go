// Package ports manages the pool of loopback TCP ports handed to agent
// instances.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Default port range for agent instances.
const (
	DefaultMinPort = 5000
	DefaultMaxPort = 15000
)

// ErrPoolExhausted is returned by Acquire when every port in the configured
// range is in use.
var ErrPoolExhausted = errors.New("port pool exhausted")

// Pool hands out TCP ports from a closed range. Allocation is
// lowest-free-first so behaviour is deterministic.
type Pool struct {
	mu    sync.Mutex
	min   int
	max   int
	inUse map[int]bool
	log   *slog.Logger
}

// NewPool creates a pool over the closed range [min, max].
func NewPool(min, max int, log *slog.Logger) *Pool {
	return &Pool{
		min:   min,
		max:   max,
		inUse: make(map[int]bool),
		log:   log,
	}
}

// Acquire returns the lowest free port, or ErrPoolExhausted.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port <= p.max; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Reserve marks a specific port as allocated, for adopting agents that were
// already running when the pool was created.
func (p *Pool) Reserve(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.min || port > p.max {
		return fmt.Errorf("port %d outside pool range %d-%d", port, p.min, p.max)
	}
	if p.inUse[port] {
		return fmt.Errorf("port %d already allocated", port)
	}
	p.inUse[port] = true
	return nil
}

// Release returns a port to the pool. Releasing a port that is not allocated
// is a no-op logged at warn.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[port] {
		p.log.Warn("release of unallocated port", "port", port)
		return
	}
	delete(p.inUse, port)
}

// InUse reports whether the given port is currently allocated.
func (p *Pool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[port]
}

// Free returns the number of ports currently available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max - p.min + 1 - len(p.inUse)
}
