package simtest

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/baxromumarov/walsim/pkg/schedule"
	"github.com/baxromumarov/walsim/pkg/types"
	"github.com/baxromumarov/walsim/pkg/walproposer"
)

// runner drives a schedule: a sync proposer runs in the background and
// is replaced by a streaming proposer once it finishes.
type runner struct {
	t       *Test
	sync    *walproposer.Proposer
	wp      *ProposerHandle
	skipped int
}

// RunSchedule applies s to the cluster, checking durability after every
// step, and finishes with a blocking sync that must cover everything
// observed as committed.
func (t *Test) RunSchedule(s schedule.Schedule) error {
	if err := s.Validate(len(t.Servers)); err != nil {
		return err
	}
	t.log.Info("running schedule of %d steps: %s", len(s), s)

	r := &runner{t: t}
	r.startSync()
	for _, st := range s {
		r.advanceTo(st.At)
		r.apply(st.Action)
		if err := r.check(); err != nil {
			return t.report(s, err)
		}
	}

	r.stopAll()
	lsn, err := t.SyncSafekeepers()
	if err != nil {
		return t.report(s, err)
	}
	if err := t.CheckDurability(); err != nil {
		return t.report(s, err)
	}
	t.log.Info("schedule finished: synced at %v, max committed %v, %d writes skipped",
		lsn, t.maxCommit, r.skipped)
	return nil
}

func (r *runner) startSync() {
	r.sync = r.t.launch(walproposer.ModeSync, 0)
}

// advanceTo runs the world up to at, launching the streaming proposer
// as soon as a pending sync completes.
func (r *runner) advanceTo(at types.VirtualTime) {
	w := r.t.World
	for r.sync != nil {
		if !w.RunUntil(r.sync.Done, at) {
			return
		}
		lsn, _ := r.sync.Result()
		r.sync = nil
		r.t.syncFinished(lsn)
		r.wp = r.t.LaunchWalProposer(lsn)
	}
	if now := w.Now(); at > now {
		w.PollForDuration(uint64(at - now))
	}
}

func (r *runner) apply(a schedule.Action) {
	r.t.log.Debug("applying %s", a)
	switch a.Kind {
	case schedule.ActionWriteTx:
		if r.wp == nil {
			r.skipped += a.Count
			return
		}
		for i := 0; i < a.Count; i++ {
			r.wp.WriteTx()
		}
	case schedule.ActionRestartWalProposer:
		r.stopAll()
		r.startSync()
	case schedule.ActionRestartSafekeeper:
		r.t.Servers[a.Safekeeper].Restart()
	}
}

func (r *runner) stopAll() {
	if r.wp != nil {
		r.wp.Stop()
		r.wp = nil
	}
	if r.sync != nil {
		r.sync.Stop()
		r.sync = nil
	}
}

func (r *runner) check() error {
	if r.wp != nil {
		r.wp.Update()
	}
	return r.t.CheckDurability()
}

// StressSeeds returns the seeds a stress run covers: the replay seed
// alone if one is configured, otherwise Cluster.StressRuns fixed seeds.
func (c *Config) StressSeeds() []uint64 {
	if c.Cluster.Seed != 0 {
		return []uint64{c.Cluster.Seed}
	}
	seeds := make([]uint64, max(c.Cluster.StressRuns, 0))
	for i := range seeds {
		seeds[i] = uint64(i)*0x9e3779b97f4a7c15 + 1
	}
	return seeds
}

// RunStress runs StressSeeds with Cluster.Parallel worlds at a time.
func RunStress(ctx context.Context, cfg *Config) error {
	return RunSeeds(ctx, cfg, cfg.StressSeeds(), cfg.Cluster.Parallel)
}

// RunSeeds runs a generated schedule for every seed on its own world,
// at most parallel at a time. It returns the first failure.
func RunSeeds(ctx context.Context, cfg *Config, seeds []uint64, parallel int) error {
	gen := schedule.DefaultGenerator()
	gen.Safekeepers = cfg.Cluster.NumSafekeepers

	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, seed := range seeds {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := cfg.Start(seed)
			if err != nil {
				return errors.Wrapf(err, "seed %d", seed)
			}
			defer t.World.StopAll()
			return t.RunSchedule(gen.Generate(seed))
		})
	}
	return g.Wait()
}
