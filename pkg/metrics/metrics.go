// Package metrics provides per-world counters rendered in Prometheus text
// format. There is no global instance; each simulated world owns one.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names a world-level counter.
type Counter int

const (
	EventsProcessed Counter = iota
	MessagesSent
	MessagesDelivered
	MessagesDropped
	ConnectionsOpened
	ConnectionsBroken
	NodeRestarts
	DiskFlushes
	RecordsLost
	Commits
	numCounters
)

func (c Counter) String() string {
	switch c {
	case EventsProcessed:
		return "events_processed"
	case MessagesSent:
		return "messages_sent"
	case MessagesDelivered:
		return "messages_delivered"
	case MessagesDropped:
		return "messages_dropped"
	case ConnectionsOpened:
		return "connections_opened"
	case ConnectionsBroken:
		return "connections_broken"
	case NodeRestarts:
		return "node_restarts"
	case DiskFlushes:
		return "disk_flushes"
	case RecordsLost:
		return "records_lost"
	case Commits:
		return "commits"
	default:
		return "unknown"
	}
}

// Metrics holds the counters of one world.
type Metrics struct {
	counters [numCounters]uint64

	mu       sync.RWMutex
	messages map[string]*uint64 // message kind -> sent count
}

// New creates a new Metrics instance.
func New() *Metrics {
	return &Metrics{messages: make(map[string]*uint64)}
}

// Inc increments c by one.
func (m *Metrics) Inc(c Counter) { m.Add(c, 1) }

// Add increments c by n.
func (m *Metrics) Add(c Counter, n uint64) {
	if c < 0 || c >= numCounters {
		return
	}
	atomic.AddUint64(&m.counters[c], n)
}

// Get returns the value of c.
func (m *Metrics) Get(c Counter) uint64 {
	if c < 0 || c >= numCounters {
		return 0
	}
	return atomic.LoadUint64(&m.counters[c])
}

// IncMessage counts one sent message of the given kind.
func (m *Metrics) IncMessage(kind string) {
	m.mu.RLock()
	p := m.messages[kind]
	m.mu.RUnlock()
	if p == nil {
		m.mu.Lock()
		if p = m.messages[kind]; p == nil {
			p = new(uint64)
			m.messages[kind] = p
		}
		m.mu.Unlock()
	}
	atomic.AddUint64(p, 1)
}

// Message returns how many messages of kind were sent.
func (m *Metrics) Message(kind string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.messages[kind]; p != nil {
		return atomic.LoadUint64(p)
	}
	return 0
}

// WriteText writes all counters in Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	var lines []string
	for c := Counter(0); c < numCounters; c++ {
		name := "walsim_" + c.String() + "_total"
		lines = append(lines,
			fmt.Sprintf("# TYPE %s counter", name),
			fmt.Sprintf("%s %d", name, m.Get(c)))
	}

	m.mu.RLock()
	kinds := make([]string, 0, len(m.messages))
	for k := range m.messages {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	lines = append(lines, "# TYPE walsim_messages_by_kind_total counter")
	for _, k := range kinds {
		lines = append(lines, fmt.Sprintf(`walsim_messages_by_kind_total{kind="%s"} %d`, k, atomic.LoadUint64(m.messages[k])))
	}
	m.mu.RUnlock()

	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

// Snapshot returns a snapshot of current metrics as a map.
func (m *Metrics) Snapshot() map[string]uint64 {
	snap := make(map[string]uint64, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		snap[c.String()] = m.Get(c)
	}
	return snap
}
