package constants

import "time"

const (
	// RequestIDLength is the length of correlation ids stamped on outbound requests.
	RequestIDLength = 16

	// CloseMessageCode identifies the close code sent on a clean shutdown.
	CloseMessageCode = 1000

	// DefaultSendTimeout bounds a single outbound send.
	DefaultSendTimeout = 30 * time.Second

	// MaxMessageSize is the transport ceiling in bytes. Encoded messages
	// larger than this must be chunked before they are written to the wire.
	MaxMessageSize = 64 * 1024

	// ReassemblyMaxAge is how long an incomplete chunk group is kept before
	// the sweep reclaims it.
	ReassemblyMaxAge = 60 * time.Second

	// ReassemblySweepInterval is how often stale chunk groups are reclaimed.
	ReassemblySweepInterval = 15 * time.Second

	// HealthCheckInterval is the steady-state probe interval while the
	// backing service is healthy.
	HealthCheckInterval = 30 * time.Second

	// HealthRetryBaseDelay is the minimum probe delay after a failure.
	// Each consecutive failure doubles it up to HealthRetryMaxDelay.
	HealthRetryBaseDelay = 1 * time.Second

	// HealthRetryMaxDelay caps the backed-off probe delay.
	HealthRetryMaxDelay = 60 * time.Second

	// ReconnectInitialInterval is the first reconnection delay after an
	// unexpected connection loss.
	ReconnectInitialInterval = 500 * time.Millisecond

	// ReconnectMaxInterval caps the reconnection delay.
	ReconnectMaxInterval = 30 * time.Second

	// ReconnectMaxElapsedTime is the total time spent reconnecting before
	// the transport gives up and reports a terminal failure.
	ReconnectMaxElapsedTime = 5 * time.Minute
)
