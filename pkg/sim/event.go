package sim

import (
	"fmt"

	"github.com/baxromumarov/walsim/pkg/types"
)

// TimerID identifies a timer set by a node. Zero is never a valid id.
type TimerID uint64

// NodeEvent is something delivered to a node's handler.
type NodeEvent interface {
	isNodeEvent()
}

// MessageEvent carries a payload received on a connection.
type MessageEvent struct {
	Conn *Conn
	From types.NodeID
	Msg  any
}

// AcceptEvent is delivered to the target node when an incoming
// connection is established.
type AcceptEvent struct {
	Conn *Conn
	From types.NodeID
}

// DisconnectEvent reports that a connection is gone. It is delivered to
// every endpoint that did not close the connection itself.
type DisconnectEvent struct {
	Conn *Conn
	Peer types.NodeID
}

// TimerEvent fires when a timer set with Node.SetTimer expires.
type TimerEvent struct {
	ID  TimerID
	Tag any
}

// RestartEvent is delivered right after a node was restarted.
type RestartEvent struct{}

// PollEvent asks the handler to look at its pending work.
type PollEvent struct{}

func (MessageEvent) isNodeEvent()    {}
func (AcceptEvent) isNodeEvent()     {}
func (DisconnectEvent) isNodeEvent() {}
func (TimerEvent) isNodeEvent()      {}
func (RestartEvent) isNodeEvent()    {}
func (PollEvent) isNodeEvent()       {}

// Event is a queued occurrence at a virtual time. Events with equal At
// fire in the order they were scheduled.
type Event struct {
	At      types.VirtualTime
	Seq     uint64
	Target  types.NodeID
	Payload NodeEvent

	incarnation uint64 // 0 matches any incarnation of Target
	label       string
	action      func()
}

func (e *Event) String() string {
	if e.action != nil {
		return fmt.Sprintf("%dms #%d net:%s", e.At, e.Seq, e.label)
	}
	return fmt.Sprintf("%dms #%d node-%d:%s", e.At, e.Seq, e.Target, describe(e.Payload))
}

func describe(ev NodeEvent) string {
	switch ev := ev.(type) {
	case MessageEvent:
		return fmt.Sprintf("message(%s) from node-%d", messageKind(ev.Msg), ev.From)
	case AcceptEvent:
		return fmt.Sprintf("accept from node-%d", ev.From)
	case DisconnectEvent:
		return fmt.Sprintf("disconnect from node-%d", ev.Peer)
	case TimerEvent:
		return fmt.Sprintf("timer %d (%v)", ev.ID, ev.Tag)
	case RestartEvent:
		return "restart"
	case PollEvent:
		return "poll"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// Kinded messages report a short name used in metrics and traces.
type Kinded interface {
	Kind() string
}

func messageKind(msg any) string {
	if k, ok := msg.(Kinded); ok {
		return k.Kind()
	}
	return fmt.Sprintf("%T", msg)
}

// Handler reacts to events delivered to a node.
type Handler interface {
	HandleEvent(n *Node, ev NodeEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(n *Node, ev NodeEvent)

// HandleEvent calls f(n, ev).
func (f HandlerFunc) HandleEvent(n *Node, ev NodeEvent) { f(n, ev) }
