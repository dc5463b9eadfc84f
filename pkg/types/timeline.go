package types

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// timelineNamespace scopes the name-based UUIDs generated for runs.
var timelineNamespace = uuid.MustParse("6f1c0e2a-4b7d-5e8f-9a0b-1c2d3e4f5a6b")

// TimelineID names the replicated log a proposer and its safekeepers
// agree to work on.
type TimelineID struct {
	Tenant   uuid.UUID `json:"tenant"`
	Timeline uuid.UUID `json:"timeline"`
}

// NewTimelineID derives a stable tenant/timeline pair from a seed, so a
// replayed run produces the same identifiers.
func NewTimelineID(seed uint64) TimelineID {
	var b [9]byte
	binary.BigEndian.PutUint64(b[:8], seed)
	b[8] = 't'
	tenant := uuid.NewSHA1(timelineNamespace, b[:])
	b[8] = 'l'
	return TimelineID{
		Tenant:   tenant,
		Timeline: uuid.NewSHA1(tenant, b[:]),
	}
}

func (id TimelineID) String() string {
	return id.Tenant.String() + "/" + id.Timeline.String()
}

// IsZero reports whether the id was never set.
func (id TimelineID) IsZero() bool {
	return id.Tenant == uuid.Nil && id.Timeline == uuid.Nil
}
