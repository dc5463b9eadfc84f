// Package quorum provides majority arithmetic for the replicated log:
// quorum sizes, the quorum-acknowledged position and donor selection.
package quorum

import (
	"slices"

	"github.com/baxromumarov/walsim/pkg/types"
)

// ComputeQuorum returns the majority size for n members.
func ComputeQuorum(n int) int {
	return (n / 2) + 1
}

// QuorumLsn returns the highest position that at least q of the given
// positions reach, i.e. the q-th highest value. It returns 0 when there
// are fewer than q positions.
func QuorumLsn(lsns []types.Lsn, q int) types.Lsn {
	if q <= 0 || len(lsns) < q {
		return 0
	}
	sorted := slices.Clone(lsns)
	slices.SortFunc(sorted, func(a, b types.Lsn) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	})
	return sorted[q-1]
}

// Candidate is a member's answer to a vote request.
type Candidate struct {
	Member   int
	Epoch    types.Term
	FlushLsn types.Lsn
}

// Better reports whether c should be preferred over o as a donor.
func (c Candidate) Better(o Candidate) bool {
	if c.Epoch != o.Epoch {
		return c.Epoch > o.Epoch
	}
	return c.FlushLsn > o.FlushLsn
}

// PickDonor returns the candidate with the highest epoch, then the highest
// flushed position. Ties keep the earliest candidate.
func PickDonor(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Better(best) {
			best = c
		}
	}
	return best, true
}

// Tracker records per-member acknowledged positions.
type Tracker struct {
	acked []types.Lsn
	valid []bool
}

// NewTracker creates a tracker for n members.
func NewTracker(n int) *Tracker {
	return &Tracker{acked: make([]types.Lsn, n), valid: make([]bool, n)}
}

// Set records the acknowledged position of member i.
func (t *Tracker) Set(i int, lsn types.Lsn) {
	t.acked[i] = lsn
	t.valid[i] = true
}

// Clear forgets member i, e.g. after it disconnected.
func (t *Tracker) Clear(i int) {
	t.acked[i] = 0
	t.valid[i] = false
}

// Reset forgets every member.
func (t *Tracker) Reset() {
	for i := range t.acked {
		t.Clear(i)
	}
}

// Count returns how many members have a recorded position.
func (t *Tracker) Count() int {
	n := 0
	for _, v := range t.valid {
		if v {
			n++
		}
	}
	return n
}

// Quorum returns the position acknowledged by at least a majority.
func (t *Tracker) Quorum() types.Lsn {
	lsns := make([]types.Lsn, 0, len(t.acked))
	for i, v := range t.valid {
		if v {
			lsns = append(lsns, t.acked[i])
		}
	}
	return QuorumLsn(lsns, ComputeQuorum(len(t.acked)))
}
