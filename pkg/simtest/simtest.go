// Package simtest is the harness that builds simulated clusters, drives
// them manually or from a schedule and checks that quorum-committed
// records survive every fault.
package simtest

import (
	"fmt"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/config"
	"github.com/baxromumarov/walsim/pkg/disk"
	"github.com/baxromumarov/walsim/pkg/invariant"
	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/quorum"
	"github.com/baxromumarov/walsim/pkg/safekeeper"
	"github.com/baxromumarov/walsim/pkg/sim"
	"github.com/baxromumarov/walsim/pkg/types"
	"github.com/baxromumarov/walsim/pkg/walproposer"
)

// Config builds tests. It is safe to start tests from several goroutines
// as long as the Config is not modified meanwhile.
type Config struct {
	Cluster *config.Config
	// Logger is the base logger; nil builds one from Cluster.LogLevel.
	Logger *logger.Logger
}

// NewConfig returns a test config with the default cluster settings
// and any WALSIM_* environment overrides applied.
func NewConfig() (*Config, error) {
	cluster, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	return &Config{Cluster: cluster}, nil
}

// SeedOr returns the replay seed if one is configured, otherwise def.
func (c *Config) SeedOr(def uint64) uint64 {
	if c.Cluster.Seed != 0 {
		return c.Cluster.Seed
	}
	return def
}

// Start builds a fresh world for seed with all safekeepers running.
func (c *Config) Start(seed uint64) (*Test, error) {
	cfg := c.Cluster.Clone()
	cfg.Seed = seed
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := c.Logger
	if log == nil {
		log = logger.New("walsim", cfg.Level(), os.Stderr)
	}
	log = log.With("seed", seed)

	w, err := sim.NewWorld(seed,
		sim.WithNetwork(cfg.Network),
		sim.WithLogger(log),
		sim.WithTrace(cfg.TraceEvents),
	)
	if err != nil {
		return nil, err
	}

	t := &Test{
		World:     w,
		cfg:       cfg,
		timeline:  types.NewTimelineID(seed),
		log:       w.Logger().Named("harness"),
		committed: make(map[types.Lsn]types.Record),
	}
	t.Checker = invariant.New(fmt.Sprintf("seed %d", seed), w.Logger(), w, false)
	for i := 0; i < cfg.NumSafekeepers; i++ {
		sk, err := safekeeper.New(w, i, disk.New(), t.timeline, cfg.Safekeeper, t.Checker)
		if err != nil {
			return nil, errors.Wrapf(err, "start safekeeper %d", i)
		}
		t.Servers = append(t.Servers, &Server{test: t, Safekeeper: sk})
	}
	t.log.Debug("started %d safekeepers for timeline %s", len(t.Servers), t.timeline)
	return t, nil
}

// Test is one simulated cluster.
type Test struct {
	World   *sim.World
	Servers []*Server
	Checker *invariant.Checker

	cfg      *config.Config
	timeline types.TimelineID
	log      *logger.Logger

	nextTx    int
	maxSync   types.Lsn
	maxCommit types.Lsn
	committed map[types.Lsn]types.Record
	proposers []types.NodeID
}

// Seed returns the seed the test was started with.
func (t *Test) Seed() uint64 { return t.World.Seed() }

// Timeline returns the timeline served by the safekeepers.
func (t *Test) Timeline() types.TimelineID { return t.timeline }

// MaxCommitted returns the highest commit position any proposer reported.
func (t *Test) MaxCommitted() types.Lsn { return t.maxCommit }

// Server is a safekeeper owned by a test.
type Server struct {
	test *Test
	*safekeeper.Safekeeper
}

// Restart crashes and restarts the safekeeper, checking that nothing
// unflushed comes back.
func (s *Server) Restart() {
	before := s.FlushLsn()
	s.Safekeeper.Restart()
	s.test.Checker.CheckNoResurrection(s.Index(), before, s.WriteLsn())
}

func (t *Test) safekeeperIDs() []types.NodeID {
	ids := make([]types.NodeID, len(t.Servers))
	for i, s := range t.Servers {
		ids[i] = s.ID()
	}
	return ids
}

func (t *Test) launch(mode walproposer.Mode, start types.Lsn) *walproposer.Proposer {
	t.log.Debug("launching %s proposer #%d, start lsn %v", mode, len(t.proposers)+1, start)
	p, err := walproposer.Launch(t.World, walproposer.Config{
		Mode:        mode,
		Safekeepers: t.safekeeperIDs(),
		Timeline:    t.timeline,
		StartLsn:    start,
		Options:     t.cfg.Proposer,
		Reporter:    t.Checker,
	})
	if err != nil {
		// options were validated when the test started
		panic(fmt.Sprintf("simtest: launch walproposer: %v", err))
	}
	t.proposers = append(t.proposers, p.ID())
	return p
}

// Isolate partitions safekeeper i from the other safekeepers and from
// every proposer launched so far.
func (t *Test) Isolate(i int) {
	nw := t.World.Network()
	id := t.Servers[i].ID()
	for _, s := range t.Servers {
		if s.ID() != id {
			nw.Partition(id, s.ID())
		}
	}
	for _, p := range t.proposers {
		nw.Partition(id, p)
	}
	t.log.Info("isolated safekeeper %d", i)
}

// HealNetwork removes every partition.
func (t *Test) HealNetwork() {
	t.World.Network().HealAll()
}

// SyncSafekeepers runs a sync proposer to completion and returns the
// position recovered on a quorum. It fails with ErrSyncFailed if no
// quorum was reached within the configured timeout.
func (t *Test) SyncSafekeepers() (types.Lsn, error) {
	p := t.launch(walproposer.ModeSync, 0)
	deadline := t.World.Now() + types.VirtualTime(t.cfg.SyncTimeout)
	if !t.World.RunUntil(p.Done, deadline) {
		p.Stop()
		return 0, errors.Wrapf(types.ErrSyncFailed, "seed %d: no quorum within %dms", t.Seed(), t.cfg.SyncTimeout)
	}
	lsn, _ := p.Result()
	t.syncFinished(lsn)
	t.log.Info("synced safekeepers at %v", lsn)
	if err := t.Checker.Err(); err != nil {
		return lsn, err
	}
	return lsn, nil
}

func (t *Test) syncFinished(lsn types.Lsn) {
	t.Checker.CheckSyncMonotonic(t.maxSync, lsn)
	t.Checker.CheckSyncCoversCommit(lsn, t.maxCommit)
	t.maxSync = max(t.maxSync, lsn)
}

// LaunchWalProposer starts a streaming proposer that expects lsn to be
// committed already.
func (t *Test) LaunchWalProposer(lsn types.Lsn) *ProposerHandle {
	return &ProposerHandle{test: t, p: t.launch(walproposer.ModeStream, lsn)}
}

// PollForDuration advances the world by ms virtual milliseconds.
func (t *Test) PollForDuration(ms uint64) {
	t.World.PollForDuration(ms)
}

// PollUntil advances the world until cond holds or ms milliseconds pass.
func (t *Test) PollUntil(cond func() bool, ms uint64) bool {
	return t.World.RunUntil(cond, t.World.Now()+types.VirtualTime(ms))
}

// observe records what p reports as committed and checks it against
// what earlier proposers committed.
func (t *Test) observe(p *walproposer.Proposer, prev types.Lsn) types.Lsn {
	committed := p.Committed()
	t.Checker.CheckCommitMonotonic(prev, committed)
	for lsn := types.Lsn(1); lsn <= committed; lsn++ {
		rec, ok := p.Record(lsn)
		if !ok {
			t.Checker.Check("COMMIT_HELD", false, "proposer committed %v but does not hold record %v", committed, lsn)
			break
		}
		if want, seen := t.committed[lsn]; seen {
			t.Checker.CheckRecordConsistent(lsn, want, rec)
		} else {
			t.committed[lsn] = rec.Clone()
		}
	}
	t.maxCommit = max(t.maxCommit, committed)
	return committed
}

// CheckDurability verifies that every record observed as committed is
// flushed, unchanged, on at least a quorum of safekeepers.
func (t *Test) CheckDurability() error {
	if t.maxCommit == 0 {
		return t.Checker.Err()
	}
	copies := make([]int, t.maxCommit+1)
	for _, s := range t.Servers {
		hi := min(t.maxCommit, s.FlushLsn())
		recs, err := s.Records(1, hi)
		if err != nil {
			t.Checker.Check("DISK_READABLE", false, "safekeeper %d: %v", s.Index(), err)
			continue
		}
		for _, rec := range recs {
			want := t.committed[rec.Lsn]
			if rec.Term == want.Term && string(rec.Payload) == string(want.Payload) {
				copies[rec.Lsn]++
			}
		}
	}
	q := quorum.ComputeQuorum(len(t.Servers))
	for lsn := types.Lsn(1); lsn <= t.maxCommit; lsn++ {
		if !t.Checker.CheckCommitDurable(lsn, copies[lsn], q) {
			break
		}
	}
	return t.Checker.Err()
}

// report decorates a failed run with everything needed to replay it.
func (t *Test) report(what any, err error) error {
	if !errors.Is(err, types.ErrProtocolViolation) && !errors.Is(err, types.ErrSyncFailed) {
		err = errors.Wrapf(types.ErrProtocolViolation, "%v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "seed %d (replay with WALSIM_SEED=%d)\n", t.Seed(), t.Seed())
	b.WriteString(spew.Sdump(what))
	if err := t.World.Metrics().WriteText(&b); err != nil {
		t.log.Warn("dump metrics: %v", err)
	}
	if trace := t.World.Trace(); len(trace) > 0 {
		b.WriteString("last events:\n")
		for _, ev := range trace {
			b.WriteString("  " + ev + "\n")
		}
	}
	return errors.WithMessage(err, b.String())
}

// ProposerHandle controls a streaming proposer launched by a test.
type ProposerHandle struct {
	test      *Test
	p         *walproposer.Proposer
	committed types.Lsn
}

// Proposer exposes the underlying proposer.
func (h *ProposerHandle) Proposer() *walproposer.Proposer { return h.p }

// WriteTx submits the next transaction of the test.
func (h *ProposerHandle) WriteTx() {
	h.test.nextTx++
	h.p.WriteTx([]byte(fmt.Sprintf("tx %d", h.test.nextTx)))
}

// Update returns the commit position and records it for later checks.
func (h *ProposerHandle) Update() (types.Lsn, error) {
	_, err := h.p.Update()
	h.committed = h.test.observe(h.p, h.committed)
	return h.committed, err
}

// Stop halts the proposer.
func (h *ProposerHandle) Stop() {
	h.test.observe(h.p, h.committed)
	h.p.Stop()
}
