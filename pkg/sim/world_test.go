package sim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/walsim/pkg/metrics"
	"github.com/baxromumarov/walsim/pkg/types"
)

type testEvent struct{ tag string }

func (testEvent) isNodeEvent() {}

type recorder struct {
	events []NodeEvent
	times  []types.VirtualTime
}

func (r *recorder) HandleEvent(n *Node, ev NodeEvent) {
	r.events = append(r.events, ev)
	r.times = append(r.times, n.Now())
}

func (r *recorder) tags() []string {
	var out []string
	for _, ev := range r.events {
		switch ev := ev.(type) {
		case testEvent:
			out = append(out, ev.tag)
		case TimerEvent:
			out = append(out, ev.Tag.(string))
		}
	}
	return out
}

func quietNetwork() NetworkOptions {
	return NetworkOptions{
		ConnectDelay: Delay{Min: 1, Max: 10},
		SendDelay:    Delay{Min: 1, Max: 60},
	}
}

func newTestWorld(t *testing.T, seed uint64, opts ...Option) *World {
	t.Helper()
	w, err := NewWorld(seed, opts...)
	require.NoError(t, err)
	return w
}

func TestStepOrdersByTimeThenInsertion(t *testing.T) {
	w := newTestWorld(t, 1)
	r := &recorder{}
	n := w.RegisterNode(r)

	w.Schedule(n.ID(), testEvent{"c"}, 20)
	w.Schedule(n.ID(), testEvent{"a"}, 10)
	w.Schedule(n.ID(), testEvent{"b"}, 10)
	w.Schedule(n.ID(), testEvent{"d"}, 20)

	for w.Step() {
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, r.tags())
	assert.Equal(t, []types.VirtualTime{10, 10, 20, 20}, r.times)
	assert.Equal(t, uint64(4), w.Metrics().Get(metrics.EventsProcessed))
}

func TestStepOnEmptyQueue(t *testing.T) {
	w := newTestWorld(t, 1)
	assert.False(t, w.Step())
	_, ok := w.NextEventTime()
	assert.False(t, ok)
}

func TestPollForDurationAdvancesClock(t *testing.T) {
	w := newTestWorld(t, 1)
	r := &recorder{}
	n := w.RegisterNode(r)

	w.Schedule(n.ID(), testEvent{"early"}, 5)
	w.Schedule(n.ID(), testEvent{"late"}, 50)

	w.PollForDuration(30)
	assert.Equal(t, types.VirtualTime(30), w.Now())
	assert.Equal(t, []string{"early"}, r.tags())

	next, ok := w.NextEventTime()
	require.True(t, ok)
	assert.Equal(t, types.VirtualTime(50), next)

	w.PollForDuration(20)
	assert.Equal(t, []string{"early", "late"}, r.tags())
}

func TestScheduleAfterStopPanics(t *testing.T) {
	w := newTestWorld(t, 1)
	n := w.RegisterNode(&recorder{})
	n.SetTimer(10, "pending")

	w.StopAll()
	assert.True(t, w.Stopped())
	assert.False(t, w.Step())
	assert.Panics(t, func() { w.Schedule(n.ID(), testEvent{"x"}, 1) })
	assert.Panics(t, func() { w.RegisterNode(&recorder{}) })

	// halted nodes ignore requests instead of panicking
	assert.Equal(t, TimerID(0), n.SetTimer(1, "ignored"))
	assert.NotPanics(t, func() { w.StopAll() })
}

func TestTimersAndCancel(t *testing.T) {
	w := newTestWorld(t, 1)
	r := &recorder{}
	n := w.RegisterNode(r)

	n.SetTimer(10, "keep")
	drop := n.SetTimer(5, "drop")
	n.CancelTimer(drop)
	n.CancelTimer(TimerID(999))

	w.PollForDuration(100)
	assert.Equal(t, []string{"keep"}, r.tags())
}

func TestRestartCancelsOnlyOwnTimers(t *testing.T) {
	w := newTestWorld(t, 1)
	r1, r2 := &recorder{}, &recorder{}
	n1 := w.RegisterNode(r1)
	n2 := w.RegisterNode(r2)

	n1.SetTimer(10, "n1")
	n2.SetTimer(10, "n2")
	n1.Poll()

	n1.Restart()
	require.Len(t, r1.events, 1)
	assert.IsType(t, RestartEvent{}, r1.events[0])
	assert.Equal(t, uint64(2), n1.Incarnation())

	w.PollForDuration(50)
	assert.Len(t, r1.events, 1, "timers and polls of the old incarnation must not fire")
	assert.Equal(t, []string{"n2"}, r2.tags())
	assert.Equal(t, uint64(1), w.Metrics().Get(metrics.NodeRestarts))
}

func TestHaltDropsEvents(t *testing.T) {
	w := newTestWorld(t, 1)
	r := &recorder{}
	n := w.RegisterNode(r)

	w.Schedule(n.ID(), testEvent{"x"}, 5)
	n.Halt()
	assert.True(t, n.Halted())

	w.PollForDuration(10)
	assert.Empty(t, r.events)
}

func TestRunUntil(t *testing.T) {
	w := newTestWorld(t, 1)
	r := &recorder{}
	n := w.RegisterNode(r)
	for i := 1; i <= 10; i++ {
		w.Schedule(n.ID(), testEvent{"tick"}, uint64(i*10))
	}

	ok := w.RunUntil(func() bool { return len(r.events) == 3 }, 1000)
	assert.True(t, ok)
	assert.Equal(t, types.VirtualTime(30), w.Now())

	ok = w.RunUntil(func() bool { return len(r.events) == 100 }, 500)
	assert.False(t, ok)
	assert.Len(t, r.events, 10)
	assert.Equal(t, types.VirtualTime(500), w.Now())
}

func TestNewWorldRejectsInvalidNetwork(t *testing.T) {
	opts := quietNetwork()
	opts.SendDelay = Delay{Min: 10, Max: 1}

	_, err := NewWorld(1, WithNetwork(opts))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	opts = quietNetwork()
	opts.ConnectDelay.FailProb = 1.5
	_, err = NewWorld(1, WithNetwork(opts))
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	zero := uint64(0)
	opts = quietNetwork()
	opts.KeepaliveTimeout = &zero
	_, err = NewWorld(1, WithNetwork(opts))
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestNetworkOptionsAreFrozen(t *testing.T) {
	keepalive := uint64(100)
	opts := quietNetwork()
	opts.KeepaliveTimeout = &keepalive

	w := newTestWorld(t, 1, WithNetwork(opts))
	keepalive = 5

	got := w.Network().Options()
	require.NotNil(t, got.KeepaliveTimeout)
	assert.Equal(t, uint64(100), *got.KeepaliveTimeout)
}

func TestTraceKeepsRecentEvents(t *testing.T) {
	w := newTestWorld(t, 1, WithTrace(2))
	n := w.RegisterNode(&recorder{})
	assert.Empty(t, w.Trace())

	for i := 0; i < 3; i++ {
		n.SetTimer(uint64(i+1), "t")
	}
	for w.Step() {
	}

	trace := w.Trace()
	require.Len(t, trace, 2)
	assert.Contains(t, trace[0], "2ms")
	assert.Contains(t, trace[1], "3ms")
}
