// Package proto defines the messages exchanged between the proposer and
// safekeepers. Messages travel through the simulated network as Go
// values; there is no wire encoding.
package proto

import "github.com/baxromumarov/walsim/pkg/types"

// Greeting opens a session. Safekeepers serving a different timeline
// close the connection.
type Greeting struct {
	Timeline types.TimelineID
}

// GreetingResponse reports the highest term the safekeeper promised.
type GreetingResponse struct {
	Term types.Term
}

// VoteRequest asks for a promise not to accept older terms.
type VoteRequest struct {
	Term types.Term
}

// VoteResponse carries the vote and what the voter holds durably.
type VoteResponse struct {
	Term      types.Term
	VoteGiven bool
	Epoch     types.Term
	FlushLsn  types.Lsn
	History   types.TermHistory
}

// FetchRequest asks a donor for records in [From, To].
type FetchRequest struct {
	Term     types.Term
	From, To types.Lsn
}

// FetchResponse returns a prefix of the requested records. An empty
// response with a higher term means the requester was superseded.
type FetchResponse struct {
	Term    types.Term
	Records []types.Record
}

// ProposerElected tells a voter which log it must converge to. EndLsn is
// the proposer's log end when the message was sent.
type ProposerElected struct {
	Term    types.Term
	History types.TermHistory
	EndLsn  types.Lsn
}

// ElectedResponse reports where streaming must start.
type ElectedResponse struct {
	Term     types.Term
	StartLsn types.Lsn
	FlushLsn types.Lsn
	Epoch    types.Term
}

// AppendRequest streams records following BeginLsn. An empty Entries
// slice is a heartbeat.
type AppendRequest struct {
	Term          types.Term
	EpochStartLsn types.Lsn
	BeginLsn      types.Lsn
	PrevTerm      types.Term
	Entries       []types.Record
	CommitLsn     types.Lsn
}

// AppendResponse acknowledges an append or a flush. Rejected responses
// with an unchanged term are NACKs; CurrentLsn hints where to resume.
type AppendResponse struct {
	Term       types.Term
	Epoch      types.Term
	FlushLsn   types.Lsn
	WriteLsn   types.Lsn
	Rejected   bool
	CurrentLsn types.Lsn
}

// Ping keeps an otherwise idle connection alive.
type Ping struct{}

func (Greeting) Kind() string         { return "greeting" }
func (GreetingResponse) Kind() string { return "greeting_response" }
func (VoteRequest) Kind() string      { return "vote_request" }
func (VoteResponse) Kind() string     { return "vote_response" }
func (FetchRequest) Kind() string     { return "fetch_request" }
func (FetchResponse) Kind() string    { return "fetch_response" }
func (ProposerElected) Kind() string  { return "proposer_elected" }
func (ElectedResponse) Kind() string  { return "elected_response" }
func (AppendRequest) Kind() string    { return "append_request" }
func (AppendResponse) Kind() string   { return "append_response" }
func (Ping) Kind() string             { return "ping" }
