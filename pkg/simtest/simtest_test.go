package simtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/schedule"
	"github.com/baxromumarov/walsim/pkg/types"
)

// quietConfig logs only errors, through the test's own output.
func quietConfig(t *testing.T) *Config {
	cfg, err := NewConfig()
	require.NoError(t, err)
	cfg.Logger = logger.FromZap(zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel)))
	return cfg
}

func withKeepalive(cfg *Config, ms uint64) *Config {
	cfg.Cluster.Network.KeepaliveTimeout = &ms
	return cfg
}

func start(t *testing.T, cfg *Config, seed uint64) *Test {
	t.Helper()
	test, err := cfg.Start(seed)
	require.NoError(t, err)
	t.Cleanup(test.World.StopAll)
	return test
}

func TestSyncEmptySafekeepers(t *testing.T) {
	test := start(t, quietConfig(t), 1337)

	lsn, err := test.SyncSafekeepers()
	require.NoError(t, err)
	assert.Equal(t, types.Lsn(0), lsn)

	lsn, err = test.SyncSafekeepers()
	require.NoError(t, err)
	assert.Equal(t, types.Lsn(0), lsn)
}

func TestGenerateWal(t *testing.T) {
	test := start(t, quietConfig(t), 1337)

	lsn, err := test.SyncSafekeepers()
	require.NoError(t, err)
	require.Equal(t, types.Lsn(0), lsn)

	wp := test.LaunchWalProposer(lsn)
	test.PollForDuration(30)
	for i := 0; i < 100; i++ {
		wp.WriteTx()
		test.PollForDuration(5)
		wp.Update()
	}

	ok := test.PollUntil(func() bool {
		committed, _ := wp.Update()
		return committed == 100
	}, 60_000)
	require.True(t, ok, "committed %v of 100", test.MaxCommitted())
	require.NoError(t, test.CheckDurability())

	wp.Stop()
	lsn, err = test.SyncSafekeepers()
	require.NoError(t, err)
	assert.Equal(t, types.Lsn(100), lsn)
}

func TestSyncWhileStreaming(t *testing.T) {
	test := start(t, quietConfig(t), 1337)

	lsn, err := test.SyncSafekeepers()
	require.NoError(t, err)

	wp := test.LaunchWalProposer(lsn)
	test.PollForDuration(30)
	for i := 0; i < 10; i++ {
		wp.WriteTx()
	}
	ok := test.PollUntil(func() bool {
		committed, _ := wp.Update()
		return committed == 10
	}, 60_000)
	require.True(t, ok, "committed %v of 10", test.MaxCommitted())

	// the sync proposer takes a higher term and deposes the streaming one
	lsn, err = test.SyncSafekeepers()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lsn, types.Lsn(10))

	committed, _ := wp.Update()
	assert.Equal(t, types.Lsn(10), committed)
	for l := types.Lsn(1); l <= committed; l++ {
		_, held := wp.Proposer().Record(l)
		assert.True(t, held, "record %v dropped", l)
	}
	require.NoError(t, test.Checker.Err())

	wp.WriteTx()
	wp.WriteTx()
	ok = test.PollUntil(func() bool {
		committed, _ := wp.Update()
		return committed == 12
	}, 60_000)
	require.True(t, ok, "committed %v of 12", test.MaxCommitted())
	require.NoError(t, test.CheckDurability())
}

func TestIsolatedSafekeeperCatchesUp(t *testing.T) {
	test := start(t, withKeepalive(quietConfig(t), 100), 1337)

	lsn, err := test.SyncSafekeepers()
	require.NoError(t, err)

	wp := test.LaunchWalProposer(lsn)
	test.PollForDuration(30)
	test.Isolate(0)
	for i := 0; i < 5; i++ {
		wp.WriteTx()
	}
	ok := test.PollUntil(func() bool {
		committed, _ := wp.Update()
		return committed == 5
	}, 60_000)
	require.True(t, ok, "committed %v of 5 with one safekeeper cut off", test.MaxCommitted())
	assert.Less(t, test.Servers[0].FlushLsn(), types.Lsn(5))

	test.HealNetwork()
	ok = test.PollUntil(func() bool {
		wp.Update()
		return test.Servers[0].FlushLsn() == 5
	}, 60_000)
	require.True(t, ok, "safekeeper 0 stuck at %v", test.Servers[0].FlushLsn())
	require.NoError(t, test.CheckDurability())
}

func TestCrashSafekeeper(t *testing.T) {
	test := start(t, quietConfig(t), 1337)

	lsn, err := test.SyncSafekeepers()
	require.NoError(t, err)

	wp := test.LaunchWalProposer(lsn)
	test.PollForDuration(30)
	wp.Update()

	wp.WriteTx()
	wp.WriteTx()
	wp.WriteTx()

	test.Servers[0].Restart()

	test.PollForDuration(100)
	wp.Update()

	ok := test.PollUntil(func() bool {
		committed, _ := wp.Update()
		return committed == 3
	}, 60_000)
	require.True(t, ok)
	require.NoError(t, test.CheckDurability())
}

func TestSimpleRestart(t *testing.T) {
	test := start(t, quietConfig(t), 1337)

	lsn, err := test.SyncSafekeepers()
	require.NoError(t, err)

	wp := test.LaunchWalProposer(lsn)
	test.PollForDuration(30)
	wp.Update()

	wp.WriteTx()
	wp.WriteTx()
	wp.WriteTx()
	test.PollForDuration(100)
	committed, _ := wp.Update()

	wp.Stop()

	lsn, err = test.SyncSafekeepers()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lsn, committed)
	assert.LessOrEqual(t, lsn, types.Lsn(3))
}

func TestSimpleSchedule(t *testing.T) {
	test := start(t, withKeepalive(quietConfig(t), 100), 1337)

	s := schedule.Schedule{
		{At: 0, Action: schedule.RestartWalProposer()},
		{At: 50, Action: schedule.WriteTx(5)},
		{At: 100, Action: schedule.RestartSafekeeper(0)},
		{At: 100, Action: schedule.WriteTx(5)},
		{At: 110, Action: schedule.RestartSafekeeper(1)},
		{At: 110, Action: schedule.WriteTx(5)},
		{At: 120, Action: schedule.RestartSafekeeper(2)},
		{At: 120, Action: schedule.WriteTx(5)},
		{At: 201, Action: schedule.RestartWalProposer()},
		{At: 251, Action: schedule.RestartSafekeeper(0)},
		{At: 251, Action: schedule.RestartSafekeeper(1)},
		{At: 251, Action: schedule.RestartSafekeeper(2)},
		{At: 251, Action: schedule.WriteTx(5)},
		{At: 255, Action: schedule.WriteTx(5)},
		{At: 1000, Action: schedule.WriteTx(5)},
	}

	require.NoError(t, test.RunSchedule(s))
	test.World.StopAll()
}

func TestRandomSchedules(t *testing.T) {
	cfg := withKeepalive(quietConfig(t), 100)
	if testing.Short() {
		cfg.Cluster.StressRuns = min(cfg.Cluster.StressRuns, 50)
	}
	require.NoError(t, RunStress(context.Background(), cfg))
}

func TestOneSchedule(t *testing.T) {
	cfg := withKeepalive(quietConfig(t), 100)
	seed := cfg.SeedOr(14035854184686918762)
	test := start(t, cfg, seed)

	s := schedule.Generate(seed)
	t.Logf("schedule: %s", s)
	require.NoError(t, test.RunSchedule(s))
}

func TestSameSeedSameRun(t *testing.T) {
	run := func() (types.Lsn, map[string]uint64) {
		test := start(t, withKeepalive(quietConfig(t), 100), 7)
		require.NoError(t, test.RunSchedule(schedule.Generate(7)))
		return test.MaxCommitted(), test.World.Metrics().Snapshot()
	}

	c1, m1 := run()
	c2, m2 := run()
	assert.Equal(t, c1, c2)
	assert.Equal(t, m1, m2)
}

func TestRunScheduleRejectsInvalid(t *testing.T) {
	test := start(t, quietConfig(t), 1)

	err := test.RunSchedule(schedule.Schedule{{At: 0, Action: schedule.RestartSafekeeper(7)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestSyncFailsWithoutQuorum(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Cluster.SyncTimeout = 5000
	test := start(t, cfg, 1)
	test.Servers[1].Node().Halt()
	test.Servers[2].Node().Halt()

	_, err := test.SyncSafekeepers()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSyncFailed))
	assert.Contains(t, err.Error(), "seed 1")
}

func TestFailureReportCarriesSeed(t *testing.T) {
	test := start(t, quietConfig(t), 99)
	test.Checker.Check("INJECTED", false, "injected failure")

	err := test.RunSchedule(schedule.Schedule{{At: 10, Action: schedule.WriteTx(1)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProtocolViolation))
	assert.Contains(t, err.Error(), "WALSIM_SEED=99")
	assert.Contains(t, err.Error(), "INJECTED")
	assert.Contains(t, err.Error(), "walsim_events_processed_total")
}

func TestStartRejectsBadConfig(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Cluster.NumSafekeepers = 0

	_, err := cfg.Start(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestReplaySeedFromEnv(t *testing.T) {
	t.Setenv("WALSIM_SEED", "42")
	t.Setenv("WALSIM_STRESS_RUNS", "7")
	t.Setenv("WALSIM_PARALLEL", "2")

	cfg := quietConfig(t)
	assert.Equal(t, uint64(42), cfg.SeedOr(1))
	assert.Equal(t, []uint64{42}, cfg.StressSeeds())
	assert.Equal(t, 2, cfg.Cluster.Parallel)

	cfg.Cluster.Seed = 0
	assert.Equal(t, uint64(1), cfg.SeedOr(1))
	assert.Len(t, cfg.StressSeeds(), 7)

	test := start(t, cfg, cfg.SeedOr(42))
	assert.Equal(t, uint64(42), test.Seed())
}

func TestBadEnvIsRejected(t *testing.T) {
	t.Setenv("WALSIM_SAFEKEEPERS", "many")

	_, err := NewConfig()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestRunSeedsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunSeeds(ctx, quietConfig(t), []uint64{1, 2, 3}, 1)
	assert.True(t, errors.Is(err, context.Canceled))
}
