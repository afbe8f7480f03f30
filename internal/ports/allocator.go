// Package ports hands out preview ports from a fixed range.
package ports

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// ErrNoFreePort is returned when every port in the range is in use or claimed.
var ErrNoFreePort = errors.RuntimeError("no free preview port in range").Build()

// Allocator probes and claims ports. A port is free when nothing accepts a TCP
// connection on it and it is not already claimed by this process.
type Allocator struct {
	start, end   int
	host         string
	probeTimeout time.Duration

	mu      sync.Mutex
	next    int
	claimed map[int]struct{}
}

// NewAllocator returns an allocator over [start, end].
func NewAllocator(start, end int, probeTimeout time.Duration) *Allocator {
	if probeTimeout <= 0 {
		probeTimeout = 200 * time.Millisecond
	}
	return &Allocator{
		start:        start,
		end:          end,
		host:         "127.0.0.1",
		probeTimeout: probeTimeout,
		next:         start,
		claimed:      make(map[int]struct{}),
	}
}

// Allocate claims the next free port, continuing from where the last call stopped.
// The claim holds until Release. Candidates are reserved before probing so
// the lock is never held across a dial.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	size := a.end - a.start + 1
	for range size {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port, ok := a.reserve()
		if !ok {
			continue
		}

		busy, err := a.inUse(ctx, port)
		if err != nil {
			a.Release(port)
			return 0, err
		}
		if busy {
			a.Release(port)
			continue
		}
		return port, nil
	}
	return 0, ErrNoFreePort.WithContext("start", a.start).WithContext("end", a.end)
}

// reserve advances the cursor and claims the port under it unless it is
// already claimed.
func (a *Allocator) reserve() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port := a.next
	a.next++
	if a.next > a.end {
		a.next = a.start
	}
	if _, taken := a.claimed[port]; taken {
		return 0, false
	}
	a.claimed[port] = struct{}{}
	return port, true
}

// inUse reports whether something accepts connections on port. A cancelled
// ctx is an error, not a free port.
func (a *Allocator) inUse(ctx context.Context, port int) (bool, error) {
	d := net.Dialer{Timeout: a.probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// Release frees a claimed port. Releasing an unclaimed port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.claimed, port)
}

// Claimed returns the number of ports currently claimed.
func (a *Allocator) Claimed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claimed)
}
