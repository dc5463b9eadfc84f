// Package types defines core data types shared by the simulation packages.
package types

import "fmt"

// VirtualTime is a point on the simulated clock, in milliseconds since
// the world was created.
type VirtualTime uint64

// NodeID identifies a simulated node. IDs are assigned by the world,
// start at 1 and are never reused within a run.
type NodeID uint32

// Lsn is a position in the replicated log. Record n lives at Lsn n,
// Lsn 0 means "before the first record".
type Lsn uint64

func (l Lsn) String() string {
	return fmt.Sprintf("0/%X", uint64(l))
}

// Term is a proposer election term. Terms only grow.
type Term uint64

// Record is one entry of the replicated log.
type Record struct {
	Lsn     Lsn    `json:"lsn"`
	Term    Term   `json:"term"`
	Payload []byte `json:"payload"`
}

// Clone returns a copy that does not share the payload buffer.
func (r Record) Clone() Record {
	p := make([]byte, len(r.Payload))
	copy(p, r.Payload)
	return Record{Lsn: r.Lsn, Term: r.Term, Payload: p}
}

// HistoryEntry marks that records after Lsn were written by the proposer
// of Term.
type HistoryEntry struct {
	Term Term `json:"term"`
	Lsn  Lsn  `json:"lsn"`
}

// TermHistory is the ordered list of term switches of a log.
type TermHistory []HistoryEntry

// UpTo returns the prefix of the history that applies to records at or
// below lsn.
func (h TermHistory) UpTo(lsn Lsn) TermHistory {
	out := make(TermHistory, 0, len(h))
	for _, e := range h {
		if e.Lsn > lsn {
			break
		}
		out = append(out, e)
	}
	return out
}

// LastTerm returns the term of the last entry, or 0 for an empty history.
func (h TermHistory) LastTerm() Term {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Term
}

// TermAt returns the term that wrote the record at lsn. Lsn 0 and any
// record before the first entry belong to term 0.
func (h TermHistory) TermAt(lsn Lsn) Term {
	var t Term
	for _, e := range h {
		if e.Lsn >= lsn {
			break
		}
		t = e.Term
	}
	return t
}

// Clone returns an independent copy.
func (h TermHistory) Clone() TermHistory {
	out := make(TermHistory, len(h))
	copy(out, h)
	return out
}

// NodeState represents the lifecycle state of a simulated node.
type NodeState int

const (
	NodeStateStopped NodeState = iota
	NodeStateRunning
	NodeStateHalted
)

func (s NodeState) String() string {
	switch s {
	case NodeStateStopped:
		return "STOPPED"
	case NodeStateRunning:
		return "RUNNING"
	case NodeStateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}
