// Package chaos injects faults into upstream relay channels so that session
// teardown and datagram loss can be exercised without a misbehaving server.
package chaos

import (
	"math/rand"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect silently drops a datagram on its way to the relay.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to the proxy handshake.
	FaultDelay
	// FaultError causes the proxy handshake to fail.
	FaultError
)

// String returns a human-readable name for the fault type.
func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides when a fault fires and counts the hits.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeDisconnect returns true if a disconnect fault should be injected.
func (f *FaultInjector) MaybeDisconnect() bool {
	_, ok := f.maybe(FaultDisconnect)
	return ok
}

// MaybeError returns true if an error fault should be injected.
func (f *FaultInjector) MaybeError() bool {
	_, ok := f.maybe(FaultError)
	return ok
}

// MaybeDelay returns a delay duration if a delay fault should be injected.
func (f *FaultInjector) MaybeDelay() time.Duration {
	cfg, ok := f.maybe(FaultDelay)
	if !ok {
		return 0
	}
	return f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
}

// Stats returns the number of injected faults per type.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// maybe rolls every config of type t and records a hit for the first that fires.
func (f *FaultInjector) maybe(t FaultType) (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultConfig{}, false
	}
	for _, cfg := range f.configs {
		if cfg.Type != t {
			continue
		}
		if f.rng.Float64() < cfg.Probability {
			f.faultHits[t]++
			return cfg, true
		}
	}
	return FaultConfig{}, false
}

func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}
