package types

// simError is a constant error value. Callers wrap it with context and
// match it with errors.Is.
type simError string

func (e simError) Error() string { return string(e) }

const (
	// ErrSyncFailed means recovery could not reach a quorum before its
	// deadline.
	ErrSyncFailed simError = "sync failed"

	// ErrQuorumUnavailable is transient: fewer than a quorum of
	// safekeepers are reachable right now.
	ErrQuorumUnavailable simError = "quorum unavailable"

	// ErrProtocolViolation means a durability or consistency invariant
	// was broken. It always indicates a bug.
	ErrProtocolViolation simError = "protocol violation"

	// ErrConfiguration is returned for invalid options before any
	// simulated time passes.
	ErrConfiguration simError = "configuration error"
)
