// Package sim implements a deterministic discrete-event world: a virtual
// clock, an ordered event queue, simulated nodes and a simulated network.
// A world is driven by a single goroutine and every random decision is
// drawn from the one generator seeded at creation.
package sim

import (
	"container/heap"
	"fmt"
	"math/rand/v2"

	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/metrics"
	"github.com/baxromumarov/walsim/pkg/types"
)

// World owns the virtual clock, the event queue, all nodes and the
// network.
type World struct {
	seed    uint64
	now     types.VirtualTime
	seq     uint64
	queue   eventQueue
	rng     *rand.Rand
	nodes   []*Node
	net     *Network
	metrics *metrics.Metrics
	log     *logger.Logger
	stopped bool
	trace   *traceRing
}

type worldOptions struct {
	network   NetworkOptions
	log       *logger.Logger
	metrics   *metrics.Metrics
	traceSize int
}

// Option configures a World.
type Option func(*worldOptions)

// WithNetwork sets the network options.
func WithNetwork(o NetworkOptions) Option {
	return func(w *worldOptions) { w.network = o.Clone() }
}

// WithLogger sets the base logger. The world stamps it with virtual time.
func WithLogger(l *logger.Logger) Option {
	return func(w *worldOptions) { w.log = l }
}

// WithMetrics makes the world count into m instead of a fresh instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *worldOptions) { w.metrics = m }
}

// WithTrace keeps the last n processed events for failure reports.
func WithTrace(n int) Option {
	return func(w *worldOptions) { w.traceSize = n }
}

// NewWorld creates a world whose whole behaviour is a function of seed
// and the options.
func NewWorld(seed uint64, opts ...Option) (*World, error) {
	o := worldOptions{network: DefaultNetworkOptions()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.network.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	w := &World{
		seed:    seed,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		metrics: o.metrics,
	}
	w.log = o.log.WithClock(w)
	w.net = newNetwork(w, o.network)
	if o.traceSize > 0 {
		w.trace = newTraceRing(o.traceSize)
	}
	return w, nil
}

// Seed returns the seed the world was created with.
func (w *World) Seed() uint64 { return w.seed }

// Now returns the current virtual time.
func (w *World) Now() types.VirtualTime { return w.now }

// Rand returns the world's random generator. It must only be used from
// the goroutine driving the world.
func (w *World) Rand() *rand.Rand { return w.rng }

// Network returns the simulated network.
func (w *World) Network() *Network { return w.net }

// Metrics returns the world's counters.
func (w *World) Metrics() *metrics.Metrics { return w.metrics }

// Logger returns the world's logger.
func (w *World) Logger() *logger.Logger { return w.log }

// Stopped reports whether StopAll was called.
func (w *World) Stopped() bool { return w.stopped }

// RegisterNode adds a node driven by h and returns its handle.
func (w *World) RegisterNode(h Handler) *Node {
	if w.stopped {
		panic("sim: RegisterNode after StopAll")
	}
	id := types.NodeID(len(w.nodes) + 1)
	n := &Node{
		id:          id,
		world:       w,
		handler:     h,
		incarnation: 1,
		timers:      make(map[TimerID]struct{}),
		log:         w.log.With("node", id),
	}
	w.nodes = append(w.nodes, n)
	return n
}

// Node returns the node with the given id, or nil.
func (w *World) Node(id types.NodeID) *Node {
	if id == 0 || int(id) > len(w.nodes) {
		return nil
	}
	return w.nodes[id-1]
}

// Schedule queues payload for target after delay milliseconds. The event
// is dropped if the target is halted when it fires.
func (w *World) Schedule(target types.NodeID, payload NodeEvent, delay uint64) {
	w.push(&Event{Target: target, Payload: payload}, delay)
}

func (w *World) scheduleNode(n *Node, payload NodeEvent, delay uint64) {
	w.push(&Event{Target: n.id, Payload: payload, incarnation: n.incarnation}, delay)
}

func (w *World) after(delay uint64, label string, fn func()) {
	w.push(&Event{label: label, action: fn}, delay)
}

func (w *World) push(ev *Event, delay uint64) {
	if w.stopped {
		panic(fmt.Sprintf("sim: schedule after StopAll (%s)", ev))
	}
	w.seq++
	ev.Seq = w.seq
	ev.At = w.now + types.VirtualTime(delay)
	heap.Push(&w.queue, ev)
}

// Step processes the earliest event. It returns false when the queue is
// empty or the world is stopped.
func (w *World) Step() bool {
	if w.stopped || w.queue.Len() == 0 {
		return false
	}
	ev := heap.Pop(&w.queue).(*Event)
	w.now = ev.At
	w.metrics.Inc(metrics.EventsProcessed)
	if w.trace != nil {
		w.trace.add(ev.String())
	}
	w.dispatch(ev)
	return true
}

func (w *World) dispatch(ev *Event) {
	if ev.action != nil {
		ev.action()
		return
	}
	n := w.Node(ev.Target)
	if n == nil || n.halted {
		return
	}
	if ev.incarnation != 0 && ev.incarnation != n.incarnation {
		return
	}
	if t, ok := ev.Payload.(TimerEvent); ok {
		if _, active := n.timers[t.ID]; !active {
			return
		}
		delete(n.timers, t.ID)
	}
	n.deliver(ev.Payload)
}

// NextEventTime returns the time of the earliest queued event.
func (w *World) NextEventTime() (types.VirtualTime, bool) {
	ev := w.queue.peek()
	if ev == nil {
		return 0, false
	}
	return ev.At, true
}

// PollForDuration processes every event due within d milliseconds and
// leaves the clock exactly d milliseconds later.
func (w *World) PollForDuration(d uint64) {
	deadline := w.now + types.VirtualTime(d)
	for {
		ev := w.queue.peek()
		if ev == nil || ev.At > deadline || w.stopped {
			break
		}
		w.Step()
	}
	if !w.stopped {
		w.now = deadline
	}
}

// RunUntil steps until done reports true or nothing is left to do before
// deadline. It reports whether done was reached.
func (w *World) RunUntil(done func() bool, deadline types.VirtualTime) bool {
	for !done() {
		ev := w.queue.peek()
		if ev == nil || ev.At > deadline || w.stopped {
			if !w.stopped && w.now < deadline {
				w.now = deadline
			}
			return false
		}
		w.Step()
	}
	return true
}

// StopAll halts every node and drops all pending events. Scheduling
// anything afterwards panics.
func (w *World) StopAll() {
	if w.stopped {
		return
	}
	for _, n := range w.nodes {
		n.halted = true
		n.timers = make(map[TimerID]struct{})
	}
	w.net.closeAll()
	w.queue = nil
	w.stopped = true
	w.log.Debug("world stopped after %d events", w.metrics.Get(metrics.EventsProcessed))
}

// Trace returns the most recent processed events, oldest first. It is
// empty unless the world was created WithTrace.
func (w *World) Trace() []string {
	if w.trace == nil {
		return nil
	}
	return w.trace.list()
}

type traceRing struct {
	buf  []string
	next int
	full bool
}

func newTraceRing(n int) *traceRing {
	return &traceRing{buf: make([]string, n)}
}

func (r *traceRing) add(s string) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *traceRing) list() []string {
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
