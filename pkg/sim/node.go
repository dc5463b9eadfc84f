package sim

import (
	"math/rand/v2"

	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/metrics"
	"github.com/baxromumarov/walsim/pkg/types"
)

// Node is the handle a simulated process uses to talk to the world. All
// methods are no-ops once the node is halted.
type Node struct {
	id          types.NodeID
	world       *World
	handler     Handler
	incarnation uint64
	halted      bool
	timers      map[TimerID]struct{}
	nextTimer   TimerID
	log         *logger.Logger
}

// ID returns the node id.
func (n *Node) ID() types.NodeID { return n.id }

// World returns the world hosting the node.
func (n *Node) World() *World { return n.world }

// Now returns the current virtual time.
func (n *Node) Now() types.VirtualTime { return n.world.now }

// Rand returns the world's random generator.
func (n *Node) Rand() *rand.Rand { return n.world.rng }

// Log returns a logger tagged with the node id.
func (n *Node) Log() *logger.Logger { return n.log }

// Incarnation counts restarts; it starts at 1.
func (n *Node) Incarnation() uint64 { return n.incarnation }

// Halted reports whether the node was halted.
func (n *Node) Halted() bool { return n.halted }

// SetHandler replaces the event handler.
func (n *Node) SetHandler(h Handler) { n.handler = h }

// SetTimer fires a TimerEvent carrying tag after delay milliseconds.
func (n *Node) SetTimer(delay uint64, tag any) TimerID {
	if n.halted {
		return 0
	}
	n.nextTimer++
	id := n.nextTimer
	n.timers[id] = struct{}{}
	n.world.scheduleNode(n, TimerEvent{ID: id, Tag: tag}, delay)
	return id
}

// CancelTimer stops a pending timer. Unknown ids are ignored.
func (n *Node) CancelTimer(id TimerID) {
	delete(n.timers, id)
}

// Poll delivers a PollEvent to the node's handler as soon as possible.
func (n *Node) Poll() {
	if n.halted {
		return
	}
	n.world.scheduleNode(n, PollEvent{}, 0)
}

// Connect opens a connection to another node. The returned connection
// can be written to immediately; messages are delivered after the target
// accepts it.
func (n *Node) Connect(to types.NodeID) *Conn {
	if n.halted {
		return &Conn{closed: true}
	}
	return n.world.net.connect(n, to)
}

// Send writes msg to c. Messages on a closed connection are dropped.
func (n *Node) Send(c *Conn, msg any) {
	if n.halted {
		return
	}
	n.world.net.send(c, n, msg)
}

// Close closes c. The peer is told after a network delay.
func (n *Node) Close(c *Conn) {
	if n.halted {
		return
	}
	n.world.net.close(c, n)
}

// Restart simulates a process crash and start: every connection of the
// node is reset, its timers are cancelled and a RestartEvent is handed to
// the handler before Restart returns.
func (n *Node) Restart() {
	if n.halted {
		return
	}
	n.world.metrics.Inc(metrics.NodeRestarts)
	n.world.net.resetNode(n)
	n.timers = make(map[TimerID]struct{})
	n.incarnation++
	n.log.Debug("restarted, incarnation %d", n.incarnation)
	n.deliver(RestartEvent{})
}

// Halt stops the node for good. Its connections are reset and nothing is
// delivered to it afterwards.
func (n *Node) Halt() {
	if n.halted {
		return
	}
	if !n.world.stopped {
		n.world.net.resetNode(n)
	}
	n.timers = make(map[TimerID]struct{})
	n.halted = true
}

func (n *Node) deliver(ev NodeEvent) {
	if n.handler == nil {
		return
	}
	n.handler.HandleEvent(n, ev)
}
