// Package core provides the bridge's shared infrastructure: port ownership
// for stream listeners and the embedded event bus.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Default port assignments
const (
	DefaultNATSPort = 4222

	// Stream ports are configured per camera; this range is only used
	// when a preferred port is taken.
	DynamicPortStart = 12100
	DynamicPortEnd   = 12999

	DefaultPortReleaseTimeout = 4 * time.Second
	DefaultPortPollInterval   = 200 * time.Millisecond
)

// ErrPortUnavailable is returned when a port stays bound past the wait budget
var ErrPortUnavailable = errors.New("port unavailable")

// PortManager tracks which service owns which port inside this process
type PortManager struct {
	mu          sync.RWMutex
	allocated   map[int]string // port -> owner
	nextDynamic int
}

// NewPortManager creates a new port manager
func NewPortManager() *PortManager {
	return &PortManager{
		allocated:   make(map[int]string),
		nextDynamic: DynamicPortStart,
	}
}

var (
	globalPortManager     *PortManager
	globalPortManagerOnce sync.Once
)

// GetPortManager returns the process-wide port manager
func GetPortManager() *PortManager {
	globalPortManagerOnce.Do(func() {
		globalPortManager = NewPortManager()
	})
	return globalPortManager
}

// IsPortAvailable reports whether port can be bound on all interfaces.
// Any bind failure, not only "address in use", counts as unavailable.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// WaitForPortRelease polls until port can be bound, giving up after timeout.
func WaitForPortRelease(ctx context.Context, port int, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPortReleaseTimeout
	}
	if interval <= 0 {
		interval = DefaultPortPollInterval
	}
	if IsPortAvailable(port) {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if IsPortAvailable(port) {
				return nil
			}
			return fmt.Errorf("%w: port %d still bound after %s", ErrPortUnavailable, port, timeout)
		case <-ticker.C:
			if IsPortAvailable(port) {
				return nil
			}
		}
	}
}

// Reserve records owner for port. It fails if another owner holds the port
// or the port cannot be bound.
func (pm *PortManager) Reserve(port int, owner string) (int, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if existing, ok := pm.allocated[port]; ok {
		if existing == owner {
			return port, true
		}
		return 0, false
	}

	if !IsPortAvailable(port) {
		return 0, false
	}

	pm.allocated[port] = owner
	return port, true
}

// Claim records owner for port without probing it. Used by callers that
// are about to bind the port themselves.
func (pm *PortManager) Claim(port int, owner string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if existing, ok := pm.allocated[port]; ok && existing != owner {
		return fmt.Errorf("%w: port %d is owned by %s", ErrPortUnavailable, port, existing)
	}
	pm.allocated[port] = owner
	return nil
}

// ReserveOrFind reserves the preferred port or finds an available one
func (pm *PortManager) ReserveOrFind(preferredPort int, owner string) (int, error) {
	if port, ok := pm.Reserve(preferredPort, owner); ok {
		return port, nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.nextDynamic; port <= DynamicPortEnd; port++ {
		if _, exists := pm.allocated[port]; !exists && IsPortAvailable(port) {
			pm.allocated[port] = owner
			pm.nextDynamic = port + 1
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available ports for %s", owner)
}

// Release frees port if owner holds it
func (pm *PortManager) Release(port int, owner string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.allocated[port] == owner {
		delete(pm.allocated, port)
	}
}

// Owner returns who holds port, if anyone
func (pm *PortManager) Owner(port int) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	owner, ok := pm.allocated[port]
	return owner, ok
}

// GetAllocated returns all allocated ports
func (pm *PortManager) GetAllocated() map[int]string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make(map[int]string, len(pm.allocated))
	for k, v := range pm.allocated {
		result[k] = v
	}
	return result
}
