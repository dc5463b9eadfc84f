package sim

import (
	"github.com/baxromumarov/walsim/pkg/metrics"
	"github.com/baxromumarov/walsim/pkg/types"
)

// ConnID identifies a connection within a world.
type ConnID uint64

// Conn is a bidirectional, per-direction FIFO connection between two
// nodes. Side 0 is the node that dialed, side 1 the node that accepted.
type Conn struct {
	id           ConnID
	ends         [2]types.NodeID
	inc          [2]uint64
	established  bool
	closed       bool
	lastDelivery [2]types.VirtualTime
	lastActivity types.VirtualTime
}

// ID returns the connection id.
func (c *Conn) ID() ConnID { return c.id }

// Closed reports whether the connection is gone.
func (c *Conn) Closed() bool { return c.closed }

// Established reports whether the accepting side has seen the connection.
func (c *Conn) Established() bool { return c.established }

// Peer returns the other endpoint as seen from self.
func (c *Conn) Peer(self types.NodeID) types.NodeID {
	if c.ends[0] == self {
		return c.ends[1]
	}
	return c.ends[0]
}

func (c *Conn) side(id types.NodeID) int {
	if c.ends[0] == id {
		return 0
	}
	return 1
}

type nodePair [2]types.NodeID

func makePair(a, b types.NodeID) nodePair {
	if a > b {
		a, b = b, a
	}
	return nodePair{a, b}
}

// Network simulates links between the nodes of one world.
type Network struct {
	w          *World
	opts       NetworkOptions
	conns      []*Conn
	nextID     ConnID
	partitions map[nodePair]struct{}
}

func newNetwork(w *World, opts NetworkOptions) *Network {
	return &Network{
		w:          w,
		opts:       opts,
		partitions: make(map[nodePair]struct{}),
	}
}

// Options returns a copy of the network options.
func (nw *Network) Options() NetworkOptions { return nw.opts.Clone() }

// Partition silently drops all traffic between a and b until healed.
// Liveness detection is left to keepalives and timeouts.
func (nw *Network) Partition(a, b types.NodeID) {
	nw.partitions[makePair(a, b)] = struct{}{}
}

// Heal removes the partition between a and b.
func (nw *Network) Heal(a, b types.NodeID) {
	delete(nw.partitions, makePair(a, b))
}

// HealAll removes every partition.
func (nw *Network) HealAll() {
	nw.partitions = make(map[nodePair]struct{})
}

// IsPartitioned reports whether traffic between a and b is dropped.
func (nw *Network) IsPartitioned(a, b types.NodeID) bool {
	_, ok := nw.partitions[makePair(a, b)]
	return ok
}

// OpenConns returns the number of connections that are not closed.
func (nw *Network) OpenConns() int {
	open := 0
	for _, c := range nw.conns {
		if !c.closed {
			open++
		}
	}
	return open
}

func (nw *Network) connect(from *Node, to types.NodeID) *Conn {
	if from.id == to {
		panic("sim: node cannot connect to itself")
	}
	nw.nextID++
	c := &Conn{
		id:   nw.nextID,
		ends: [2]types.NodeID{from.id, to},
		inc:  [2]uint64{from.incarnation, 0},
	}
	nw.track(c)
	nw.w.metrics.Inc(metrics.ConnectionsOpened)

	d, fail := nw.opts.ConnectDelay.sample(nw.w.rng)
	if fail || nw.IsPartitioned(from.id, to) {
		nw.breakConn(c, d)
		return c
	}
	// Nothing sent by the dialer may overtake the accept.
	c.lastDelivery[0] = nw.w.now + types.VirtualTime(d)
	nw.w.after(d, "accept", func() { nw.accept(c) })
	return c
}

func (nw *Network) accept(c *Conn) {
	if c.closed {
		return
	}
	target := nw.w.Node(c.ends[1])
	if target == nil || target.halted {
		nw.breakConn(c, 0)
		return
	}
	c.established = true
	c.inc[1] = target.incarnation
	c.lastActivity = nw.w.now
	if k := nw.opts.KeepaliveTimeout; k != nil {
		nw.keepalive(c, *k, *k)
	}
	if t := nw.opts.Timeout; t != nil {
		nw.w.after(*t, "timeout", func() { nw.breakConn(c, 0) })
	}
	target.deliver(AcceptEvent{Conn: c, From: c.ends[0]})
}

func (nw *Network) keepalive(c *Conn, timeout, wait uint64) {
	nw.w.after(wait, "keepalive", func() {
		if c.closed {
			return
		}
		idle := uint64(nw.w.now - c.lastActivity)
		if idle >= timeout {
			nw.w.log.Debug("keepalive expired on conn %d", c.id)
			nw.breakConn(c, 0)
			return
		}
		nw.keepalive(c, timeout, timeout-idle)
	})
}

func (nw *Network) send(c *Conn, from *Node, msg any) {
	if c.closed {
		nw.w.metrics.Inc(metrics.MessagesDropped)
		return
	}
	side := c.side(from.id)
	to := c.ends[1-side]
	nw.w.metrics.Inc(metrics.MessagesSent)
	nw.w.metrics.IncMessage(messageKind(msg))

	delay := nw.opts.SendDelay
	if side == 1 && nw.opts.ReturnDelay != nil {
		delay = *nw.opts.ReturnDelay
	}
	d, fail := delay.sample(nw.w.rng)
	if fail {
		nw.breakConn(c, d)
		return
	}
	if nw.IsPartitioned(from.id, to) {
		nw.w.metrics.Inc(metrics.MessagesDropped)
		return
	}

	at := nw.w.now + types.VirtualTime(d)
	if at < c.lastDelivery[side] {
		at = c.lastDelivery[side]
	}
	c.lastDelivery[side] = at
	fromID := from.id
	nw.w.after(uint64(at-nw.w.now), "deliver", func() {
		target := nw.w.Node(to)
		if c.closed || target == nil || target.halted || target.incarnation != c.inc[1-side] {
			nw.w.metrics.Inc(metrics.MessagesDropped)
			return
		}
		c.lastActivity = nw.w.now
		nw.w.metrics.Inc(metrics.MessagesDelivered)
		target.deliver(MessageEvent{Conn: c, From: fromID, Msg: msg})
	})
}

func (nw *Network) close(c *Conn, by *Node) {
	if c.closed {
		return
	}
	c.closed = true
	d, _ := nw.opts.SendDelay.sample(nw.w.rng)
	nw.notify(c, 1-c.side(by.id), d)
}

// breakConn closes c and tells both endpoints after d milliseconds.
func (nw *Network) breakConn(c *Conn, d uint64) {
	if c.closed {
		return
	}
	c.closed = true
	nw.w.metrics.Inc(metrics.ConnectionsBroken)
	nw.notify(c, 0, d)
	nw.notify(c, 1, d)
}

func (nw *Network) notify(c *Conn, side int, d uint64) {
	if side == 1 && !c.established {
		return
	}
	id, inc, peer := c.ends[side], c.inc[side], c.ends[1-side]
	nw.w.after(d, "disconnect", func() {
		n := nw.w.Node(id)
		if n == nil || n.halted || n.incarnation != inc {
			return
		}
		n.deliver(DisconnectEvent{Conn: c, Peer: peer})
	})
}

// resetNode closes every connection of n. Peers learn about it after a
// sampled network delay.
func (nw *Network) resetNode(n *Node) {
	for _, c := range nw.conns {
		if c.closed || (c.ends[0] != n.id && c.ends[1] != n.id) {
			continue
		}
		c.closed = true
		nw.w.metrics.Inc(metrics.ConnectionsBroken)
		d, _ := nw.opts.SendDelay.sample(nw.w.rng)
		nw.notify(c, 1-c.side(n.id), d)
	}
	nw.prune()
}

func (nw *Network) closeAll() {
	for _, c := range nw.conns {
		c.closed = true
	}
	nw.conns = nil
}

func (nw *Network) track(c *Conn) {
	nw.conns = append(nw.conns, c)
	if len(nw.conns) > 256 {
		nw.prune()
	}
}

func (nw *Network) prune() {
	open := nw.conns[:0]
	for _, c := range nw.conns {
		if !c.closed {
			open = append(open, c)
		}
	}
	for i := len(open); i < len(nw.conns); i++ {
		nw.conns[i] = nil
	}
	nw.conns = open
}
