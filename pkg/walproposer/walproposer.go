// Package walproposer implements the proposer side of the replicated
// log. A proposer wins an election among the safekeepers, recovers the
// most advanced log from a donor and then either stops (sync mode) or
// keeps streaming new transactions (stream mode).
package walproposer

import (
	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/metrics"
	"github.com/baxromumarov/walsim/pkg/proto"
	"github.com/baxromumarov/walsim/pkg/quorum"
	"github.com/baxromumarov/walsim/pkg/sim"
	"github.com/baxromumarov/walsim/pkg/types"
)

// Engine is the capability set callers need from a proposer.
type Engine interface {
	Start()
	WriteTx(payload []byte)
	Update() (types.Lsn, error)
	Stop()
	Done() bool
	Result() (types.Lsn, bool)
}

var _ Engine = (*Proposer)(nil)

type peerState int

const (
	peerOffline peerState = iota
	peerHandshake
	peerGreeted
	peerVoting
	peerVoted
	peerElected
	peerStreaming
)

// awaiting reports whether the proposer expects a response in this state.
func (s peerState) awaiting() bool {
	switch s {
	case peerHandshake, peerVoting, peerElected, peerStreaming:
		return true
	}
	return false
}

type peer struct {
	id           types.NodeID
	conn         *sim.Conn
	state        peerState
	promised     types.Term
	vote         proto.VoteResponse
	lastHeard    types.VirtualTime
	nextLsn      types.Lsn
	reconnecting bool
}

type heartbeatTag struct{}

type electionTag struct{}

type reconnectTag struct{ peer int }

// Proposer is a simulated walproposer node.
type Proposer struct {
	node   *sim.Node
	cfg    Config
	log    *logger.Logger
	quorum int

	phase     Phase
	term      types.Term
	termFloor types.Term
	peers     []*peer

	donor      int
	epochStart types.Lsn
	history    types.TermHistory
	wal        []types.Record
	pending    [][]byte

	tracker       *quorum.Tracker
	committed     types.Lsn
	result        types.Lsn
	electionTimer sim.TimerID
}

// New registers a proposer node on w. The proposer does nothing until
// Start is called.
func New(w *sim.World, cfg Config) (*Proposer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Proposer{
		cfg:     cfg,
		quorum:  quorum.ComputeQuorum(len(cfg.Safekeepers)),
		tracker: quorum.NewTracker(len(cfg.Safekeepers)),
	}
	p.node = w.RegisterNode(p)
	p.log = p.node.Log().Named("walproposer").With("mode", cfg.Mode.String())
	p.reset()
	return p, nil
}

// Launch creates and starts a proposer.
func Launch(w *sim.World, cfg Config) (*Proposer, error) {
	p, err := New(w, cfg)
	if err != nil {
		return nil, err
	}
	p.Start()
	return p, nil
}

func (p *Proposer) reset() {
	p.phase = PhaseGreeting
	p.term, p.termFloor = 0, 0
	p.peers = make([]*peer, len(p.cfg.Safekeepers))
	for i, id := range p.cfg.Safekeepers {
		p.peers[i] = &peer{id: id}
	}
	p.history, p.wal, p.pending = nil, nil, nil
	p.epochStart, p.committed, p.result = 0, 0, 0
	p.tracker.Reset()
	p.electionTimer = 0
}

// Start connects to every safekeeper and begins the first election.
func (p *Proposer) Start() {
	if p.node.Halted() {
		return
	}
	p.log.Info("starting against %d safekeepers, start lsn %v", len(p.peers), p.cfg.StartLsn)
	for i := range p.peers {
		p.connect(i)
	}
	p.node.SetTimer(p.cfg.Options.HeartbeatInterval, heartbeatTag{})
	p.armElection()
}

// ID returns the proposer's node id.
func (p *Proposer) ID() types.NodeID { return p.node.ID() }

// Node returns the simulated node.
func (p *Proposer) Node() *sim.Node { return p.node }

// Phase returns the current phase.
func (p *Proposer) Phase() Phase { return p.phase }

// Term returns the term of the current or last election.
func (p *Proposer) Term() types.Term { return p.term }

// EpochStartLsn returns the end of the donor's log in the current term.
func (p *Proposer) EpochStartLsn() types.Lsn { return p.epochStart }

// Committed returns the highest position known to be committed.
func (p *Proposer) Committed() types.Lsn { return p.committed }

// Record returns the record at lsn if the proposer holds it.
func (p *Proposer) Record(lsn types.Lsn) (types.Record, bool) {
	if lsn == 0 || lsn > types.Lsn(len(p.wal)) {
		return types.Record{}, false
	}
	return p.wal[lsn-1], true
}

// Done reports whether a sync proposer finished.
func (p *Proposer) Done() bool { return p.phase == PhaseDone }

// Result returns the sync result once the proposer is done.
func (p *Proposer) Result() (types.Lsn, bool) {
	return p.result, p.phase == PhaseDone
}

// WriteTx queues payload for replication. The record gets its lsn when
// the proposer is elected; without a quorum it stays queued.
func (p *Proposer) WriteTx(payload []byte) {
	if p.phase == PhaseStopped || p.phase == PhaseDone {
		return
	}
	p.pending = append(p.pending, append([]byte(nil), payload...))
	p.node.Poll()
}

// Update returns the committed position. The error wraps
// ErrQuorumUnavailable while fewer than a quorum of safekeepers stream.
func (p *Proposer) Update() (types.Lsn, error) {
	if p.phase == PhaseStopped {
		return p.committed, errors.Wrap(types.ErrQuorumUnavailable, "proposer stopped")
	}
	streaming := 0
	for _, pr := range p.peers {
		if pr.state == peerStreaming {
			streaming++
		}
	}
	if streaming < p.quorum {
		return p.committed, errors.Wrapf(types.ErrQuorumUnavailable,
			"%d of %d safekeepers streaming, need %d", streaming, len(p.peers), p.quorum)
	}
	return p.committed, nil
}

// Stop halts the proposer and resets its connections. Committed state on
// the safekeepers is untouched.
func (p *Proposer) Stop() {
	if p.phase != PhaseStopped {
		p.log.Info("stopping in term %d, committed %v", p.term, p.committed)
	}
	p.phase = PhaseStopped
	p.node.Halt()
}

// HandleEvent implements sim.Handler.
func (p *Proposer) HandleEvent(n *sim.Node, ev sim.NodeEvent) {
	switch ev := ev.(type) {
	case sim.RestartEvent:
		// In-memory state is all a proposer has.
		p.reset()
		p.Start()
	case sim.MessageEvent:
		if i := p.peerOf(ev.Conn); i >= 0 {
			p.peers[i].lastHeard = n.Now()
			p.handleMessage(i, ev.Msg)
		}
	case sim.DisconnectEvent:
		if i := p.peerOf(ev.Conn); i >= 0 {
			p.log.Debug("safekeeper %d disconnected", p.peers[i].id)
			p.peerLost(i)
		}
	case sim.TimerEvent:
		p.handleTimer(ev)
	case sim.PollEvent:
		if p.phase == PhaseStreaming {
			p.assignPending()
			p.broadcast(false)
		}
	}
}

func (p *Proposer) active() bool {
	return p.phase != PhaseDone && p.phase != PhaseStopped
}

func (p *Proposer) peerOf(c *sim.Conn) int {
	for i, pr := range p.peers {
		if pr.conn != nil && pr.conn == c {
			return i
		}
	}
	return -1
}

func (p *Proposer) handleTimer(ev sim.TimerEvent) {
	if !p.active() {
		return
	}
	switch tag := ev.Tag.(type) {
	case heartbeatTag:
		p.heartbeat()
		p.node.SetTimer(p.cfg.Options.HeartbeatInterval, heartbeatTag{})
	case electionTag:
		if ev.ID != p.electionTimer {
			return
		}
		p.electionTimer = 0
		if p.phase < PhaseStreaming {
			p.log.Warn("election in term %d timed out in phase %s", p.term, p.phase)
			p.restartElection(p.term)
		}
	case reconnectTag:
		pr := p.peers[tag.peer]
		pr.reconnecting = false
		if pr.state == peerOffline {
			p.connect(tag.peer)
		}
	}
}

func (p *Proposer) heartbeat() {
	now := p.node.Now()
	for i, pr := range p.peers {
		if pr.conn == nil {
			continue
		}
		if pr.state.awaiting() && uint64(now-pr.lastHeard) >= p.cfg.Options.ConnectionTimeout {
			p.log.Warn("safekeeper %d silent for %dms, dropping connection", pr.id, now-pr.lastHeard)
			p.node.Close(pr.conn)
			p.peerLost(i)
			continue
		}
		if pr.state == peerStreaming {
			p.sendAppends(i, true)
		} else {
			p.node.Send(pr.conn, proto.Ping{})
		}
	}
}

func (p *Proposer) armElection() {
	if p.electionTimer != 0 {
		p.node.CancelTimer(p.electionTimer)
	}
	p.electionTimer = p.node.SetTimer(p.cfg.Options.ElectionTimeout, electionTag{})
}

func (p *Proposer) connect(i int) {
	pr := p.peers[i]
	pr.conn = p.node.Connect(pr.id)
	pr.state = peerHandshake
	pr.lastHeard = p.node.Now()
	p.node.Send(pr.conn, proto.Greeting{Timeline: p.cfg.Timeline})
}

func (p *Proposer) scheduleReconnect(i int) {
	pr := p.peers[i]
	if pr.reconnecting || !p.active() {
		return
	}
	pr.reconnecting = true
	p.node.SetTimer(p.cfg.Options.ReconnectTimeout, reconnectTag{peer: i})
}

// peerLost forgets everything learned over the peer's connection.
func (p *Proposer) peerLost(i int) {
	pr := p.peers[i]
	pr.conn = nil
	pr.state = peerOffline
	pr.vote = proto.VoteResponse{}
	p.tracker.Clear(i)
	if p.phase == PhaseFetching && i == p.donor {
		p.log.Warn("lost donor %d while fetching", pr.id)
		p.restartElection(p.term)
		return
	}
	p.scheduleReconnect(i)
}

// restartElection abandons the current term. Records above the commit
// position are dropped and recovered again from the next donor; the
// committed prefix is on every quorum and is kept.
func (p *Proposer) restartElection(seen types.Term) {
	if !p.active() {
		return
	}
	p.termFloor = max(p.termFloor, p.term, seen)
	p.log.Info("restarting election, term floor %d", p.termFloor)
	for i, pr := range p.peers {
		if pr.conn != nil {
			p.node.Close(pr.conn)
		}
		pr.conn = nil
		pr.state = peerOffline
		pr.vote = proto.VoteResponse{}
		p.scheduleReconnect(i)
	}
	p.phase = PhaseGreeting
	p.history = nil
	p.truncateWal(p.committed)
	p.epochStart = 0
	p.tracker.Reset()
	p.armElection()
}

// truncateWal keeps the first lsn records. Appends after it reallocate,
// since append requests still in flight share the old array.
func (p *Proposer) truncateWal(lsn types.Lsn) {
	n := int(min(lsn, types.Lsn(len(p.wal))))
	p.wal = p.wal[:n:n]
}

func (p *Proposer) count(s peerState) int {
	n := 0
	for _, pr := range p.peers {
		if pr.state == s {
			n++
		}
	}
	return n
}

func (p *Proposer) handleMessage(i int, msg any) {
	pr := p.peers[i]
	switch m := msg.(type) {
	case proto.GreetingResponse:
		if pr.state == peerHandshake {
			p.handleGreeting(i, m)
		}
	case proto.VoteResponse:
		if pr.state == peerVoting {
			p.handleVote(i, m)
		}
	case proto.FetchResponse:
		if p.phase == PhaseFetching && i == p.donor {
			p.handleFetch(m)
		}
	case proto.ElectedResponse:
		if pr.state == peerElected {
			p.handleElected(i, m)
		}
	case proto.AppendResponse:
		if pr.state == peerStreaming {
			p.handleAppendResponse(i, m)
		}
	default:
		p.log.Warn("unexpected message %T from safekeeper %d", msg, pr.id)
	}
}

func (p *Proposer) handleGreeting(i int, m proto.GreetingResponse) {
	pr := p.peers[i]
	pr.promised = m.Term
	pr.state = peerGreeted

	if p.phase == PhaseGreeting {
		if p.count(peerGreeted) < p.quorum {
			return
		}
		term := p.termFloor
		for _, o := range p.peers {
			if o.state == peerGreeted {
				term = max(term, o.promised)
			}
		}
		p.term = term + 1
		p.phase = PhaseVoting
		p.log.Debug("greeted by quorum, proposing term %d", p.term)
		for j, o := range p.peers {
			if o.state == peerGreeted {
				p.requestVote(j)
			}
		}
		return
	}
	if m.Term > p.term {
		p.restartElection(m.Term)
		return
	}
	p.requestVote(i)
}

func (p *Proposer) requestVote(i int) {
	pr := p.peers[i]
	pr.state = peerVoting
	p.node.Send(pr.conn, proto.VoteRequest{Term: p.term})
}

func (p *Proposer) handleVote(i int, m proto.VoteResponse) {
	pr := p.peers[i]
	if !m.VoteGiven || m.Term != p.term {
		p.log.Debug("safekeeper %d refused term %d, promised %d", pr.id, p.term, m.Term)
		p.restartElection(m.Term)
		return
	}
	pr.vote = m
	pr.state = peerVoted

	switch p.phase {
	case PhaseVoting:
		if p.count(peerVoted) >= p.quorum {
			p.elect()
		}
	case PhaseStreaming:
		p.sendElected(i)
	}
}

func (p *Proposer) elect() {
	var cands []quorum.Candidate
	for i, pr := range p.peers {
		if pr.state == peerVoted {
			cands = append(cands, quorum.Candidate{Member: i, Epoch: pr.vote.Epoch, FlushLsn: pr.vote.FlushLsn})
		}
	}
	donor, _ := quorum.PickDonor(cands)
	p.donor = donor.Member
	p.epochStart = donor.FlushLsn
	p.history = append(p.peers[p.donor].vote.History.UpTo(p.epochStart),
		types.HistoryEntry{Term: p.term, Lsn: p.epochStart})
	p.truncateWal(min(p.committed, p.epochStart))

	p.log.Info("elected in term %d, donor safekeeper %d (epoch %d, flush %v)",
		p.term, p.peers[p.donor].id, donor.Epoch, donor.FlushLsn)
	if p.epochStart < p.cfg.StartLsn {
		p.violation(errors.Errorf("donor log ends at %v below start lsn %v", p.epochStart, p.cfg.StartLsn))
	}
	if types.Lsn(len(p.wal)) >= p.epochStart {
		p.becomeElected()
		return
	}
	p.phase = PhaseFetching
	p.fetch()
}

func (p *Proposer) fetch() {
	pr := p.peers[p.donor]
	p.node.Send(pr.conn, proto.FetchRequest{
		Term: p.term,
		From: types.Lsn(len(p.wal)) + 1,
		To:   p.epochStart,
	})
}

func (p *Proposer) handleFetch(m proto.FetchResponse) {
	if m.Term > p.term {
		p.restartElection(m.Term)
		return
	}
	if len(m.Records) == 0 {
		p.log.Warn("donor returned nothing at %v", len(p.wal)+1)
		p.restartElection(p.term)
		return
	}
	for _, rec := range m.Records {
		next := types.Lsn(len(p.wal)) + 1
		if rec.Lsn != next || rec.Lsn > p.epochStart {
			p.log.Warn("donor sent lsn %v, expected %v", rec.Lsn, next)
			p.restartElection(p.term)
			return
		}
		if t := p.history.TermAt(rec.Lsn); t != rec.Term {
			p.log.Warn("record %v has term %d, history says %d", rec.Lsn, rec.Term, t)
		}
		p.wal = append(p.wal, rec.Clone())
	}
	if types.Lsn(len(p.wal)) < p.epochStart {
		p.fetch()
		return
	}
	p.becomeElected()
}

func (p *Proposer) becomeElected() {
	p.phase = PhaseStreaming
	p.tracker.Reset()
	if p.electionTimer != 0 {
		p.node.CancelTimer(p.electionTimer)
		p.electionTimer = 0
	}
	if p.cfg.Mode == ModeStream {
		p.assignPending()
	}
	for i, pr := range p.peers {
		if pr.state == peerVoted {
			p.sendElected(i)
		}
	}
}

func (p *Proposer) sendElected(i int) {
	pr := p.peers[i]
	pr.state = peerElected
	p.node.Send(pr.conn, proto.ProposerElected{
		Term:    p.term,
		History: p.history.Clone(),
		EndLsn:  types.Lsn(len(p.wal)),
	})
}

func (p *Proposer) handleElected(i int, m proto.ElectedResponse) {
	pr := p.peers[i]
	if m.Term > p.term {
		p.restartElection(m.Term)
		return
	}
	pr.state = peerStreaming
	pr.nextLsn = min(m.StartLsn, types.Lsn(len(p.wal))) + 1
	p.recordAck(i, m.Epoch, m.FlushLsn)
	if p.active() {
		p.sendAppends(i, false)
	}
}

func (p *Proposer) handleAppendResponse(i int, m proto.AppendResponse) {
	pr := p.peers[i]
	if m.Term > p.term {
		p.restartElection(m.Term)
		return
	}
	if m.Rejected {
		resume := min(m.CurrentLsn, types.Lsn(len(p.wal))) + 1
		if resume < pr.nextLsn {
			p.log.Debug("safekeeper %d rejected append, resuming at %v", pr.id, resume)
			pr.nextLsn = resume
			p.sendAppends(i, false)
		}
		return
	}
	p.recordAck(i, m.Epoch, m.FlushLsn)
}

// recordAck counts a safekeeper towards the commit position once it has
// adopted this term's history.
func (p *Proposer) recordAck(i int, epoch types.Term, flush types.Lsn) {
	if epoch != p.term {
		return
	}
	p.tracker.Set(i, min(flush, types.Lsn(len(p.wal))))
	if q := p.tracker.Quorum(); q > p.committed {
		p.node.World().Metrics().Add(metrics.Commits, uint64(q-p.committed))
		p.committed = q
	}
	if p.cfg.Mode == ModeSync && p.tracker.Count() >= p.quorum && p.committed >= p.epochStart {
		p.finish()
	}
}

func (p *Proposer) finish() {
	p.result = p.epochStart
	p.phase = PhaseDone
	p.log.Info("sync finished in term %d at %v", p.term, p.result)
	p.node.Halt()
}

func (p *Proposer) assignPending() {
	for _, payload := range p.pending {
		lsn := types.Lsn(len(p.wal)) + 1
		p.wal = append(p.wal, types.Record{Lsn: lsn, Term: p.term, Payload: payload})
	}
	p.pending = nil
}

func (p *Proposer) broadcast(force bool) {
	for i, pr := range p.peers {
		if pr.state == peerStreaming {
			p.sendAppends(i, force)
		}
	}
}

func (p *Proposer) termAt(lsn types.Lsn) types.Term {
	if lsn == 0 || lsn > types.Lsn(len(p.wal)) {
		return 0
	}
	return p.wal[lsn-1].Term
}

// sendAppends streams everything from the peer's next lsn. With force an
// empty heartbeat is sent when there is nothing new.
func (p *Proposer) sendAppends(i int, force bool) {
	pr := p.peers[i]
	end := types.Lsn(len(p.wal))
	sent := false
	for pr.nextLsn <= end {
		last := min(pr.nextLsn+types.Lsn(p.cfg.Options.MaxBatch)-1, end)
		p.node.Send(pr.conn, p.appendRequest(pr.nextLsn, p.wal[pr.nextLsn-1:last]))
		pr.nextLsn = last + 1
		sent = true
	}
	if !sent && force {
		p.node.Send(pr.conn, p.appendRequest(pr.nextLsn, nil))
	}
}

func (p *Proposer) appendRequest(next types.Lsn, entries []types.Record) proto.AppendRequest {
	return proto.AppendRequest{
		Term:          p.term,
		EpochStartLsn: p.epochStart,
		BeginLsn:      next - 1,
		PrevTerm:      p.termAt(next - 1),
		Entries:       entries,
		CommitLsn:     p.committed,
	}
}

func (p *Proposer) violation(err error) {
	err = errors.Wrapf(types.ErrProtocolViolation, "walproposer: %v", err)
	p.log.Error("%v", err)
	if p.cfg.Reporter != nil {
		p.cfg.Reporter.ReportViolation(err)
	}
}
