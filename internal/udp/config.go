package udp

import (
	"time"

	"github.com/postalsys/tunsocks/internal/session"
)

// Config holds configuration for the UDP session handler.
type Config struct {
	// MaxSessions limits concurrent sessions.
	// 0 means unlimited.
	MaxSessions int

	// IdleTimeout is how long a session can be idle before it is terminated.
	// 0 means no timeout.
	IdleTimeout time.Duration

	// PoolSize is the per-session queued-frame limit.
	PoolSize int

	// ConnectTimeout bounds the SOCKS5 handshake of each session.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    0,
		IdleTimeout:    0,
		PoolSize:       session.DefaultPoolSize,
		ConnectTimeout: 5 * time.Second,
	}
}
