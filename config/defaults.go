package config

import (
	"time"

	"github.com/google/uuid"
)

// Default timeout and interval values
const (
	// DefaultPort is the default listen port for the upgrade endpoint
	DefaultPort = 8790

	// DefaultPath is the default HTTP path upgrades are claimed on
	DefaultPath = "/connect"

	// DefaultSweepInterval is how often the server scans for idle streams
	DefaultSweepInterval = 15 * time.Second

	// DefaultIdleDeadline is the silence threshold past which a stream is reaped
	DefaultIdleDeadline = 75 * time.Second

	// DefaultInvokeTimeout is the absolute reply deadline for an outbound invocation
	DefaultInvokeTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is the client's beat period; three missed
	// beats still fit inside the server's idle deadline
	DefaultHeartbeatInterval = 25 * time.Second

	// DefaultMaxDrift is the allowed handshake timestamp skew in either direction
	DefaultMaxDrift = 30 * time.Second

	// DefaultAuthVersion is the signature scheme version clients announce
	DefaultAuthVersion = "1"

	// DefaultPendingCap bounds bytes buffered for a substream before a consumer attaches
	DefaultPendingCap = 2 * 1024 * 1024

	// DefaultAttachTimeout bounds how long a substream may wait for its first read
	DefaultAttachTimeout = 5 * time.Second

	// DefaultHighWater is the outbox level above which substream writes block
	DefaultHighWater = 256 * 1024

	// DefaultChunkSize caps a single substream write frame's payload
	DefaultChunkSize = 64 * 1024

	// DefaultReconnectBackoff is the client's initial reconnect delay
	DefaultReconnectBackoff = 5 * time.Second

	// DefaultReconnectMaxBackoff caps the client's reconnect delay
	DefaultReconnectMaxBackoff = 60 * time.Second

	// DefaultClientVersion is announced when the application sets no version
	DefaultClientVersion = "1.0.0"
)

// GenerateClientID generates a new UUID for use as a client identifier.
// Useful for deployments where multiple instances share one config file.
func GenerateClientID() string {
	return uuid.New().String()
}
