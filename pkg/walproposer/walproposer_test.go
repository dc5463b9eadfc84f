package walproposer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/walsim/pkg/disk"
	"github.com/baxromumarov/walsim/pkg/safekeeper"
	"github.com/baxromumarov/walsim/pkg/sim"
	"github.com/baxromumarov/walsim/pkg/types"
)

type violations struct{ errs []error }

func (v *violations) ReportViolation(err error) { v.errs = append(v.errs, err) }

type cluster struct {
	t        *testing.T
	world    *sim.World
	sks      []*safekeeper.Safekeeper
	timeline types.TimelineID
	reported *violations
}

func newCluster(t *testing.T, seed uint64, n int) *cluster {
	t.Helper()
	w, err := sim.NewWorld(seed, sim.WithNetwork(sim.NetworkOptions{
		ConnectDelay: sim.Delay{Min: 1, Max: 10},
		SendDelay:    sim.Delay{Min: 1, Max: 20},
	}))
	require.NoError(t, err)
	c := &cluster{t: t, world: w, timeline: types.NewTimelineID(seed), reported: &violations{}}
	for i := 0; i < n; i++ {
		sk, err := safekeeper.New(w, i, disk.New(), c.timeline, safekeeper.Options{MaxFlushDelay: 10}, c.reported)
		require.NoError(t, err)
		c.sks = append(c.sks, sk)
	}
	return c
}

func (c *cluster) config(mode Mode, start types.Lsn) Config {
	ids := make([]types.NodeID, len(c.sks))
	for i, sk := range c.sks {
		ids[i] = sk.ID()
	}
	return Config{
		Mode:        mode,
		Safekeepers: ids,
		Timeline:    c.timeline,
		StartLsn:    start,
		Options:     DefaultOptions(),
		Reporter:    c.reported,
	}
}

func (c *cluster) sync(start types.Lsn) types.Lsn {
	c.t.Helper()
	p, err := Launch(c.world, c.config(ModeSync, start))
	require.NoError(c.t, err)
	ok := c.world.RunUntil(p.Done, c.world.Now()+10_000)
	require.True(c.t, ok, "sync did not finish")
	lsn, done := p.Result()
	require.True(c.t, done)
	return lsn
}

func (c *cluster) stream(start types.Lsn) *Proposer {
	c.t.Helper()
	p, err := Launch(c.world, c.config(ModeStream, start))
	require.NoError(c.t, err)
	return p
}

func (c *cluster) waitCommitted(p *Proposer, lsn types.Lsn) {
	c.t.Helper()
	ok := c.world.RunUntil(func() bool { return p.Committed() >= lsn }, c.world.Now()+10_000)
	require.True(c.t, ok, "committed %v, want %v", p.Committed(), lsn)
}

func TestSyncEmpty(t *testing.T) {
	c := newCluster(t, 1, 3)

	assert.Equal(t, types.Lsn(0), c.sync(0))
	assert.Equal(t, types.Lsn(0), c.sync(0))
	assert.Empty(t, c.reported.errs)

	for _, sk := range c.sks {
		assert.LessOrEqual(t, sk.PromisedTerm(), types.Term(2))
	}
}

func TestStreamCommitsWrites(t *testing.T) {
	c := newCluster(t, 2, 3)
	p := c.stream(0)

	_, err := p.Update()
	assert.True(t, errors.Is(err, types.ErrQuorumUnavailable))

	for i := 1; i <= 10; i++ {
		p.WriteTx([]byte(fmt.Sprintf("tx %d", i)))
	}
	c.waitCommitted(p, 10)

	committed, err := p.Update()
	require.NoError(t, err)
	assert.Equal(t, types.Lsn(10), committed)
	assert.Equal(t, PhaseStreaming, p.Phase())

	rec, ok := p.Record(10)
	require.True(t, ok)
	assert.Equal(t, "tx 10", string(rec.Payload))
	assert.Equal(t, p.Term(), rec.Term)

	p.Stop()
	_, err = p.Update()
	assert.True(t, errors.Is(err, types.ErrQuorumUnavailable))

	assert.Equal(t, types.Lsn(10), c.sync(10))
	assert.Empty(t, c.reported.errs)
}

func TestStreamSurvivesMinorityDown(t *testing.T) {
	c := newCluster(t, 3, 3)
	c.sks[2].Node().Halt()

	p := c.stream(0)
	for i := 0; i < 5; i++ {
		p.WriteTx([]byte("x"))
	}
	c.waitCommitted(p, 5)
	_, err := p.Update()
	assert.NoError(t, err)

	for _, sk := range c.sks[:2] {
		c.world.RunUntil(func() bool { return sk.FlushLsn() == 5 }, c.world.Now()+1000)
		assert.Equal(t, types.Lsn(5), sk.FlushLsn())
	}
}

func TestStreamRecoversAfterSafekeeperRestart(t *testing.T) {
	c := newCluster(t, 4, 3)
	p := c.stream(0)
	for i := 0; i < 5; i++ {
		p.WriteTx([]byte("a"))
	}
	c.waitCommitted(p, 5)

	c.sks[0].Restart()
	c.sks[1].Restart()
	for i := 0; i < 5; i++ {
		p.WriteTx([]byte("b"))
	}
	c.waitCommitted(p, 10)

	p.Stop()
	assert.Equal(t, types.Lsn(10), c.sync(10))
	assert.Empty(t, c.reported.errs)
}

func TestNewProposerRecoversDonorLog(t *testing.T) {
	c := newCluster(t, 5, 3)
	p := c.stream(0)
	for i := 0; i < 300; i++ {
		p.WriteTx([]byte("tx"))
	}
	c.waitCommitted(p, 300)
	first := p.Term()
	p.Stop()

	// a second writer has to fetch the donor's records in chunks
	q := c.stream(300)
	q.WriteTx([]byte("next"))
	c.waitCommitted(q, 301)
	assert.Greater(t, q.Term(), first)
	assert.Equal(t, types.Lsn(300), q.EpochStartLsn())

	rec, ok := q.Record(1)
	require.True(t, ok)
	assert.Equal(t, first, rec.Term)
	assert.Empty(t, c.reported.errs)
}

func TestStartLsnAboveDonorIsReported(t *testing.T) {
	c := newCluster(t, 6, 3)
	c.sync(5)

	require.NotEmpty(t, c.reported.errs)
	assert.True(t, errors.Is(c.reported.errs[0], types.ErrProtocolViolation))
}

func TestWritesWaitForQuorum(t *testing.T) {
	c := newCluster(t, 7, 3)
	c.sks[1].Node().Halt()
	c.sks[2].Node().Halt()

	p := c.stream(0)
	p.WriteTx([]byte("stuck"))
	c.world.PollForDuration(5000)

	assert.Equal(t, types.Lsn(0), p.Committed())
	assert.NotEqual(t, PhaseStreaming, p.Phase())
	_, err := p.Update()
	assert.True(t, errors.Is(err, types.ErrQuorumUnavailable))
}

func TestInvalidConfig(t *testing.T) {
	w, err := sim.NewWorld(1)
	require.NoError(t, err)

	_, err = New(w, Config{Options: DefaultOptions()})
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	opts := DefaultOptions()
	opts.MaxBatch = 0
	_, err = New(w, Config{Safekeepers: []types.NodeID{1}, Options: opts})
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = New(w, Config{Safekeepers: []types.NodeID{1, 1}, Options: DefaultOptions()})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestPhaseAndModeStrings(t *testing.T) {
	assert.Equal(t, "streaming", PhaseStreaming.String())
	assert.Equal(t, "sync", ModeSync.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
