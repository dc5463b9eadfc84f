// Package safekeeper implements the acceptor side of the replicated log.
// A safekeeper promises terms, hands its log to an elected proposer,
// converges to the proposer's history and acknowledges flushed records.
// All of its durable state lives on a simulated disk and is rebuilt from
// it after every restart.
package safekeeper

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/disk"
	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/metrics"
	"github.com/baxromumarov/walsim/pkg/proto"
	"github.com/baxromumarov/walsim/pkg/sim"
	"github.com/baxromumarov/walsim/pkg/types"
	"github.com/baxromumarov/walsim/pkg/wal"
)

// maxFetchBatch bounds the records returned by one FetchResponse.
const maxFetchBatch = 256

// Reporter receives protocol violations detected by a safekeeper.
type Reporter interface {
	ReportViolation(err error)
}

// Options configures a safekeeper.
type Options struct {
	// MaxFlushDelay is the upper bound of the random delay between an
	// append and its flush. Zero flushes synchronously.
	MaxFlushDelay uint64 `json:"max_flush_delay_ms"`
}

// DefaultOptions returns the default safekeeper options.
func DefaultOptions() Options {
	return Options{MaxFlushDelay: 20}
}

// controlState is persisted in the disk's state blob.
type controlState struct {
	PromisedTerm types.Term        `json:"promised_term"`
	VotedFor     types.NodeID      `json:"voted_for"`
	History      types.TermHistory `json:"history"`
	CommitLsn    types.Lsn         `json:"commit_lsn"`
}

type flushTag struct{}

// Safekeeper is one acceptor node.
type Safekeeper struct {
	index    int
	node     *sim.Node
	disk     *disk.Disk
	timeline types.TimelineID
	opts     Options
	reporter Reporter
	log      *logger.Logger

	running    bool
	state      controlState
	wal        *wal.Log
	proposer   *sim.Conn
	flushTimer sim.TimerID
}

// New registers a safekeeper node on w, backed by d.
func New(w *sim.World, index int, d *disk.Disk, timeline types.TimelineID, opts Options, reporter Reporter) (*Safekeeper, error) {
	s := &Safekeeper{
		index:    index,
		disk:     d,
		timeline: timeline,
		opts:     opts,
		reporter: reporter,
	}
	s.node = w.RegisterNode(s)
	s.log = s.node.Log().Named("safekeeper")
	if err := s.load(); err != nil {
		return nil, err
	}
	s.running = true
	return s, nil
}

// ID returns the node id.
func (s *Safekeeper) ID() types.NodeID { return s.node.ID() }

// Index returns the position of the safekeeper in the configuration.
func (s *Safekeeper) Index() int { return s.index }

// Node returns the simulated node.
func (s *Safekeeper) Node() *sim.Node { return s.node }

// Disk returns the backing disk.
func (s *Safekeeper) Disk() *disk.Disk { return s.disk }

// State reports the lifecycle state. A safekeeper is Stopped from a
// crash until it has recovered from disk.
func (s *Safekeeper) State() types.NodeState {
	switch {
	case s.node.Halted():
		return types.NodeStateHalted
	case !s.running:
		return types.NodeStateStopped
	default:
		return types.NodeStateRunning
	}
}

// FlushLsn returns the last durable record.
func (s *Safekeeper) FlushLsn() types.Lsn { return s.wal.FlushLsn() }

// WriteLsn returns the last written record.
func (s *Safekeeper) WriteLsn() types.Lsn { return s.wal.End() }

// PromisedTerm returns the highest promised term.
func (s *Safekeeper) PromisedTerm() types.Term { return s.state.PromisedTerm }

// CommitLsn returns the last commit position learned from a proposer.
func (s *Safekeeper) CommitLsn() types.Lsn { return s.state.CommitLsn }

// History returns a copy of the term history.
func (s *Safekeeper) History() types.TermHistory { return s.state.History.Clone() }

// Epoch returns the term whose log the safekeeper holds durably, i.e. the
// last history term starting at or below the flush position.
func (s *Safekeeper) Epoch() types.Term {
	return s.state.History.UpTo(s.wal.FlushLsn()).LastTerm()
}

// Records returns the durable records in [from, to].
func (s *Safekeeper) Records(from, to types.Lsn) ([]types.Record, error) {
	return s.wal.ReadFlushed(from, to)
}

// Restart crashes the node: unflushed records are lost and all state is
// rebuilt from disk.
func (s *Safekeeper) Restart() {
	s.node.Restart()
}

// HandleEvent implements sim.Handler.
func (s *Safekeeper) HandleEvent(n *sim.Node, ev sim.NodeEvent) {
	switch ev := ev.(type) {
	case sim.RestartEvent:
		s.recover()
	case sim.MessageEvent:
		s.handleMessage(ev)
	case sim.DisconnectEvent:
		if ev.Conn == s.proposer {
			s.proposer = nil
		}
	case sim.TimerEvent:
		if _, ok := ev.Tag.(flushTag); ok {
			s.flushTimer = 0
			s.flush()
		}
	}
}

func (s *Safekeeper) recover() {
	s.running = false
	lost := s.disk.SimulateCrashRestart()
	s.node.World().Metrics().Add(metrics.RecordsLost, lost)
	s.proposer = nil
	s.flushTimer = 0
	if err := s.load(); err != nil {
		s.violation(errors.Wrap(err, "recover from disk"))
		return
	}
	s.running = true
	s.log.Info("recovered: flush %v, promised term %d, epoch %d, lost %d records",
		s.wal.FlushLsn(), s.state.PromisedTerm, s.Epoch(), lost)
}

func (s *Safekeeper) load() error {
	s.state = controlState{}
	if b := s.disk.LoadState(); b != nil {
		if err := json.Unmarshal(b, &s.state); err != nil {
			return errors.Wrap(err, "decode control state")
		}
	}
	l, err := wal.Open(s.disk)
	if err != nil {
		return err
	}
	s.wal = l
	return nil
}

func (s *Safekeeper) persist() {
	b, err := json.Marshal(s.state)
	if err != nil {
		// controlState holds only plain values
		panic(err)
	}
	s.disk.SaveState(b)
}

func (s *Safekeeper) violation(err error) {
	err = errors.Wrapf(types.ErrProtocolViolation, "safekeeper %d: %v", s.index, err)
	s.log.Error("%v", err)
	if s.reporter != nil {
		s.reporter.ReportViolation(err)
	}
}

func (s *Safekeeper) handleMessage(ev sim.MessageEvent) {
	if !s.running {
		s.node.Close(ev.Conn)
		return
	}
	switch m := ev.Msg.(type) {
	case proto.Greeting:
		s.handleGreeting(ev.Conn, m)
	case proto.VoteRequest:
		s.handleVote(ev.Conn, ev.From, m)
	case proto.FetchRequest:
		s.handleFetch(ev.Conn, m)
	case proto.ProposerElected:
		s.handleElected(ev.Conn, ev.From, m)
	case proto.AppendRequest:
		s.handleAppend(ev.Conn, m)
	case proto.Ping:
	default:
		s.log.Warn("unexpected message %T from node %d", ev.Msg, ev.From)
	}
}

func (s *Safekeeper) handleGreeting(c *sim.Conn, m proto.Greeting) {
	if m.Timeline != s.timeline {
		s.log.Warn("greeting for timeline %s, serving %s", m.Timeline, s.timeline)
		s.node.Close(c)
		return
	}
	s.node.Send(c, proto.GreetingResponse{Term: s.state.PromisedTerm})
}

func (s *Safekeeper) handleVote(c *sim.Conn, from types.NodeID, m proto.VoteRequest) {
	given := false
	switch {
	case m.Term > s.state.PromisedTerm:
		s.state.PromisedTerm = m.Term
		s.state.VotedFor = from
		s.persist()
		given = true
	case m.Term == s.state.PromisedTerm && s.state.VotedFor == from:
		given = true
	}
	flush := s.wal.FlushLsn()
	s.log.Debug("vote for term %d by node %d: %v", m.Term, from, given)
	s.node.Send(c, proto.VoteResponse{
		Term:      s.state.PromisedTerm,
		VoteGiven: given,
		Epoch:     s.Epoch(),
		FlushLsn:  flush,
		History:   s.state.History.UpTo(flush),
	})
}

func (s *Safekeeper) handleFetch(c *sim.Conn, m proto.FetchRequest) {
	if m.Term < s.state.PromisedTerm {
		s.node.Send(c, proto.FetchResponse{Term: s.state.PromisedTerm})
		return
	}
	to := m.To
	if end := s.wal.End(); to > end {
		to = end
	}
	if to >= m.From && to-m.From+1 > maxFetchBatch {
		to = m.From + maxFetchBatch - 1
	}
	recs, err := s.wal.Read(m.From, to)
	if err != nil {
		s.violation(errors.Wrapf(err, "fetch [%d, %d]", m.From, to))
		return
	}
	s.node.Send(c, proto.FetchResponse{Term: m.Term, Records: recs})
}

func (s *Safekeeper) handleElected(c *sim.Conn, from types.NodeID, m proto.ProposerElected) {
	if m.Term < s.state.PromisedTerm {
		s.node.Send(c, proto.ElectedResponse{Term: s.state.PromisedTerm})
		return
	}
	if m.Term > s.state.PromisedTerm {
		s.state.PromisedTerm = m.Term
		s.state.VotedFor = from
	}

	common := s.wal.CommonPoint(m.EndLsn, m.History.TermAt)
	if common < s.wal.End() {
		s.truncate(common + 1)
	}
	s.state.History = m.History.Clone()
	s.persist()

	s.log.Debug("elected term %d: streaming from %v, flush %v", m.Term, common, s.wal.FlushLsn())
	s.node.Send(c, proto.ElectedResponse{
		Term:     m.Term,
		StartLsn: common,
		FlushLsn: s.wal.FlushLsn(),
		Epoch:    s.Epoch(),
	})
	s.proposer = c
	s.scheduleFlush()
}

func (s *Safekeeper) handleAppend(c *sim.Conn, m proto.AppendRequest) {
	if m.Term < s.state.PromisedTerm {
		s.node.Send(c, s.ack(s.state.PromisedTerm, true))
		return
	}
	if s.state.History.LastTerm() != m.Term {
		s.violation(errors.Errorf("append for term %d before its election (history term %d)", m.Term, s.state.History.LastTerm()))
		return
	}
	if m.BeginLsn > s.wal.End() {
		s.node.Send(c, s.ack(m.Term, true))
		return
	}
	if m.BeginLsn > 0 && s.wal.TermAt(m.BeginLsn) != m.PrevTerm {
		nack := s.ack(m.Term, true)
		nack.CurrentLsn = m.BeginLsn - 1
		s.node.Send(c, nack)
		return
	}

	for _, e := range m.Entries {
		if e.Lsn <= s.wal.End() {
			if s.wal.TermAt(e.Lsn) == e.Term {
				continue
			}
			s.truncate(e.Lsn)
		}
		if err := s.wal.Append(e); err != nil {
			s.violation(err)
			return
		}
	}
	if m.CommitLsn > s.state.CommitLsn {
		s.state.CommitLsn = m.CommitLsn
	}

	s.proposer = c
	s.scheduleFlush()
	s.node.Send(c, s.ack(m.Term, false))
}

// truncate removes records from lsn on, reporting a violation if any of
// them was already known to be committed.
func (s *Safekeeper) truncate(from types.Lsn) {
	if from <= s.state.CommitLsn {
		s.violation(errors.Errorf("truncating at %v below commit %v", from, s.state.CommitLsn))
	}
	s.log.Debug("truncating log at %v (end %v)", from, s.wal.End())
	s.wal.Truncate(from)
}

func (s *Safekeeper) scheduleFlush() {
	if s.wal.End() == s.wal.FlushLsn() {
		return
	}
	if s.opts.MaxFlushDelay == 0 {
		s.flush()
		return
	}
	if s.flushTimer != 0 {
		return
	}
	delay := s.node.Rand().Uint64N(s.opts.MaxFlushDelay + 1)
	s.flushTimer = s.node.SetTimer(delay, flushTag{})
}

func (s *Safekeeper) flush() {
	if s.wal.End() != s.wal.FlushLsn() {
		s.wal.Flush()
		s.node.World().Metrics().Inc(metrics.DiskFlushes)
	}
	s.persist()
	if s.proposer != nil && !s.proposer.Closed() {
		s.node.Send(s.proposer, s.ack(s.state.PromisedTerm, false))
	}
}

func (s *Safekeeper) ack(term types.Term, rejected bool) proto.AppendResponse {
	return proto.AppendResponse{
		Term:       term,
		Epoch:      s.Epoch(),
		FlushLsn:   s.wal.FlushLsn(),
		WriteLsn:   s.wal.End(),
		Rejected:   rejected,
		CurrentLsn: s.wal.End(),
	}
}
