// Package buttons turns raw edges from three momentary buttons into
// debounced one-shot request flags.
//
// Mechanical switches bounce: one press produces a burst of edges a
// few milliseconds apart. The manager handles this the way the costume
// hardware does: the FIRST edge of a burst disables further detection
// on that line, latches the request flag unconditionally, and arms a
// one-shot timer that re-enables detection when the debounce interval
// has passed. Repeat edges inside the window coalesce - nothing is
// queued or counted.
//
// Every line runs an explicit two-state machine:
//
//	Armed   --edge-->  Cooling   (detection disabled, flag latched)
//	Cooling --timer->  Armed     (detection re-enabled)
//
// HandleEdge is safe to call from any goroutine and does bounded work;
// the flags are atomic booleans with the edge side setting and the
// main loop consuming. Poll returns a non-clearing snapshot, Consume
// reads-and-clears a single flag. Only the main loop consumes.
//
// A failure to arm the re-enable timer, or to re-enable detection when
// it fires, leaves a line dead and is recorded as a fatal error the
// main loop picks up via Err.
package buttons

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	u "lautenbacher.net/costumeleds/util"
)

// ID names one of the three input lines.
type ID int

const (
	// Charge requests one charge animation cycle.
	Charge ID = iota
	// Toggle requests a color mode flip.
	Toggle
	// Abort requests all LEDs off.
	Abort
)

// NumLines is the number of input lines the manager owns.
const NumLines = 3

func (id ID) String() string {
	switch id {
	case Charge:
		return "charge"
	case Toggle:
		return "toggle"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("line(%d)", int(id))
	}
}

// IDs lists all lines in a stable order.
func IDs() []ID {
	return []ID{Charge, Toggle, Abort}
}

// Line is one edge-detecting input as a platform backend exposes it.
// DisableDetect gates the line at the source when a debounce window
// opens; EnableDetect re-arms it when the window expires. Both may be
// called after the backend has stopped and must then be a no-op.
type Line interface {
	EnableDetect() error
	DisableDetect() error
}

// LineState is the explicit debounce state of one line.
type LineState int32

const (
	// Armed means edge detection is live.
	Armed LineState = iota
	// Cooling means detection is disabled until the one-shot re-arm
	// timer fires.
	Cooling
)

func (s LineState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Cooling:
		return "cooling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Flags is a non-clearing snapshot of the pending requests.
type Flags struct {
	Charge bool
	Toggle bool
	Abort  bool
}

// LineStatus describes one line for diagnostics displays.
type LineStatus struct {
	State      LineState
	Pending    bool
	Edges      int
	Suppressed int
}

// Scheduler arms a one-shot timer that runs fn after d. The default
// wraps time.AfterFunc and cannot fail; backends with their own timer
// hardware may return an error, which the manager treats as fatal.
type Scheduler func(d time.Duration, fn func()) error

// maxEdgeHistory bounds the per-line raw edge timestamps kept for the
// diagnostics viewer.
const maxEdgeHistory = 500

type line struct {
	src     Line
	state   atomic.Int32
	pending u.Latch
}

// Manager owns the three input lines, their debounce state machines
// and the request flags.
type Manager struct {
	debounce time.Duration
	schedule Scheduler
	wake     *u.Signal
	closed   atomic.Bool

	lines [NumLines]line

	fatalMu sync.Mutex
	fatal   error

	histMu     sync.Mutex
	history    [NumLines]*deque.Deque[time.Time]
	edges      [NumLines]int
	suppressed [NumLines]int
}

// NewManager creates a manager with the given debounce interval and
// the time.AfterFunc scheduler.
func NewManager(debounce time.Duration) *Manager {
	m := &Manager{
		debounce: debounce,
		wake:     u.NewSignal(),
		schedule: func(d time.Duration, fn func()) error {
			time.AfterFunc(d, fn)
			return nil
		},
	}
	for i := 0; i < NumLines; i++ {
		m.history[i] = new(deque.Deque[time.Time])
		// Pre-size the ring buffer for maxEdgeHistory entries (next
		// power of two, 2^9 = 512).
		m.history[i].SetMinCapacity(9)
	}
	return m
}

// Attach connects a line source and enables detection on it. Each line
// is attached once during wiring.
func (m *Manager) Attach(id ID, src Line) error {
	if id < 0 || id >= NumLines {
		return fmt.Errorf("attaching line: no such line %d", int(id))
	}
	if m.lines[id].src != nil {
		return fmt.Errorf("attaching line %s: already attached", id)
	}
	m.lines[id].src = src
	if err := src.EnableDetect(); err != nil {
		return fmt.Errorf("enabling edge detection on %s: %w", id, err)
	}
	return nil
}

// HandleEdge processes one raw rising edge on a line. The first edge
// of a burst opens the debounce window: detection is disabled at the
// source, the request flag is latched, and the one-shot re-arm timer
// is started. Edges while the window is open are suppressed.
func (m *Manager) HandleEdge(id ID) {
	if id < 0 || id >= NumLines {
		slog.Warn("Edge on unknown line ignored", "line", int(id))
		return
	}
	ln := &m.lines[id]
	if ln.src == nil {
		slog.Warn("Edge on unattached line ignored", "line", id.String())
		return
	}

	m.recordEdge(id)

	if !ln.state.CompareAndSwap(int32(Armed), int32(Cooling)) {
		// Bounce inside an open window.
		m.recordSuppressed(id)
		slog.Debug("Suppressed edge inside debounce window", "line", id.String())
		return
	}

	if err := ln.src.DisableDetect(); err != nil {
		// The state machine still gates the line, so bounce cannot
		// re-latch; the source just keeps reporting edges.
		slog.Warn("Disabling edge detection failed", "line", id.String(), "error", err)
	}

	ln.pending.Set()
	m.wake.Notify()
	slog.Debug("Request latched", "line", id.String())

	if err := m.schedule(m.debounce, func() { m.rearm(id) }); err != nil {
		m.setFatal(fmt.Errorf("arming debounce timer for %s: %w", id, err))
	}
}

// rearm runs when the debounce window of a line expires.
func (m *Manager) rearm(id ID) {
	if m.closed.Load() {
		return
	}
	ln := &m.lines[id]
	if err := ln.src.EnableDetect(); err != nil {
		m.setFatal(fmt.Errorf("re-enabling edge detection on %s: %w", id, err))
		return
	}
	ln.state.Store(int32(Armed))
	slog.Debug("Line re-armed", "line", id.String())
}

// Poll returns a snapshot of the pending flags without clearing them.
func (m *Manager) Poll() Flags {
	return Flags{
		Charge: m.lines[Charge].pending.Peek(),
		Toggle: m.lines[Toggle].pending.Peek(),
		Abort:  m.lines[Abort].pending.Peek(),
	}
}

// Consume clears the flag of one line and reports whether it was
// pending. Only the main loop calls this.
func (m *Manager) Consume(id ID) bool {
	if id < 0 || id >= NumLines {
		return false
	}
	if m.lines[id].pending.Consume() {
		slog.Debug("Request consumed", "line", id.String())
		return true
	}
	return false
}

// Wake returns the channel notified whenever a request is latched or a
// fatal error is recorded, so the main loop can react before its next
// poll tick.
func (m *Manager) Wake() <-chan struct{} {
	return m.wake.Channel()
}

// Err returns the first fatal error recorded by the manager, or nil.
func (m *Manager) Err() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatal
}

// Close stops re-arm timers from touching line sources. Pending
// timers may still fire but become no-ops.
func (m *Manager) Close() {
	m.closed.Store(true)
}

// State returns the debounce state of one line.
func (m *Manager) State(id ID) LineState {
	return LineState(m.lines[id].state.Load())
}

// Status returns the diagnostics snapshot of one line.
func (m *Manager) Status(id ID) LineStatus {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	return LineStatus{
		State:      LineState(m.lines[id].state.Load()),
		Pending:    m.lines[id].pending.Peek(),
		Edges:      m.edges[id],
		Suppressed: m.suppressed[id],
	}
}

// History returns a copy of the recorded raw edge timestamps of one
// line, oldest first.
func (m *Manager) History(id ID) []time.Time {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	q := m.history[id]
	out := make([]time.Time, q.Len())
	for i := range out {
		out[i] = q.At(i)
	}
	return out
}

func (m *Manager) setFatal(err error) {
	m.fatalMu.Lock()
	if m.fatal == nil {
		m.fatal = err
	}
	m.fatalMu.Unlock()
	m.wake.Notify()
}

func (m *Manager) recordEdge(id ID) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	q := m.history[id]
	if q.Len() == maxEdgeHistory {
		q.PopFront()
	}
	q.PushBack(time.Now())
	m.edges[id]++
}

func (m *Manager) recordSuppressed(id ID) {
	m.histMu.Lock()
	m.suppressed[id]++
	m.histMu.Unlock()
}
