package walproposer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/types"
)

// Mode selects what the proposer does once it is elected.
type Mode int

const (
	// ModeSync recovers the safekeepers to the donor's log and stops.
	ModeSync Mode = iota
	// ModeStream keeps accepting transactions after recovery.
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Phase is the proposer's position in the election protocol.
type Phase int

const (
	PhaseGreeting Phase = iota
	PhaseVoting
	PhaseFetching
	PhaseStreaming
	PhaseDone
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseGreeting:
		return "greeting"
	case PhaseVoting:
		return "voting"
	case PhaseFetching:
		return "fetching"
	case PhaseStreaming:
		return "streaming"
	case PhaseDone:
		return "done"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Options holds the proposer's timing parameters, in virtual
// milliseconds.
type Options struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval_ms"`
	ReconnectTimeout  uint64 `json:"reconnect_timeout_ms"`
	// ConnectionTimeout drops a safekeeper that owes a response and
	// has been silent that long.
	ConnectionTimeout uint64 `json:"connection_timeout_ms"`
	// ElectionTimeout restarts an election that did not reach the
	// streaming phase in time.
	ElectionTimeout uint64 `json:"election_timeout_ms"`
	MaxBatch        int    `json:"max_batch"`
}

// DefaultOptions returns the default proposer options.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 20,
		ReconnectTimeout:  50,
		ConnectionTimeout: 1000,
		ElectionTimeout:   2000,
		MaxBatch:          64,
	}
}

// Validate checks that every option is positive.
func (o Options) Validate() error {
	switch {
	case o.HeartbeatInterval == 0:
		return errors.Wrap(types.ErrConfiguration, "heartbeat_interval_ms must be positive")
	case o.ReconnectTimeout == 0:
		return errors.Wrap(types.ErrConfiguration, "reconnect_timeout_ms must be positive")
	case o.ConnectionTimeout == 0:
		return errors.Wrap(types.ErrConfiguration, "connection_timeout_ms must be positive")
	case o.ElectionTimeout == 0:
		return errors.Wrap(types.ErrConfiguration, "election_timeout_ms must be positive")
	case o.MaxBatch <= 0:
		return errors.Wrap(types.ErrConfiguration, "max_batch must be positive")
	}
	return nil
}

// Reporter receives protocol violations detected by the proposer.
type Reporter interface {
	ReportViolation(err error)
}

// Config describes one proposer instance.
type Config struct {
	Mode        Mode
	Safekeepers []types.NodeID
	Timeline    types.TimelineID
	// StartLsn is the position the caller believes is committed. An
	// elected donor ending below it is a protocol violation.
	StartLsn types.Lsn
	Options  Options
	Reporter Reporter
}

func (c Config) validate() error {
	if len(c.Safekeepers) == 0 {
		return errors.Wrap(types.ErrConfiguration, "no safekeepers configured")
	}
	if c.Mode != ModeSync && c.Mode != ModeStream {
		return errors.Wrapf(types.ErrConfiguration, "unknown mode %d", int(c.Mode))
	}
	seen := make(map[types.NodeID]bool, len(c.Safekeepers))
	for _, id := range c.Safekeepers {
		if seen[id] {
			return errors.Wrapf(types.ErrConfiguration, "safekeeper %d listed twice", id)
		}
		seen[id] = true
	}
	return c.Options.Validate()
}
