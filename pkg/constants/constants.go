// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a peer may stay silent before the connection is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Presence constants
const (
	// PresenceTTL is how long a user stays online without a heartbeat
	PresenceTTL = 5 * time.Minute
)

// Call constants
const (
	// DefaultRingTimeout bounds how long a call may stay ringing
	DefaultRingTimeout = 45 * time.Second

	// DuplicateMessageWindow is the window in which an identical text counts as a duplicate
	DuplicateMessageWindow = 2 * time.Second
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Chat limits
const (
	// MaxMessageLength bounds a chat message in runes
	MaxMessageLength = 4000
)

// WebSocket limits
const (
	// MaxSignalingConnections is the default cap on concurrent relay connections
	MaxSignalingConnections = 1000

	// ClientSendBuffer is the per-connection outbound frame buffer
	ClientSendBuffer = 256
)
