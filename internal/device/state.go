package device

import (
	"sync"
	"time"
)

// State is how far a device's connection has come.
type State int

const (
	// Disconnected means no shell session. File access refuses to run.
	Disconnected State = iota
	// Connected means the shell session is up and file access goes
	// through it.
	Connected
	// ReadyToUse means the SFTP bridge is up as well and file access
	// uses it.
	ReadyToUse
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case ReadyToUse:
		return "ready"
	default:
		return "unknown"
	}
}

// historySize bounds the transitions kept per device.
const historySize = 32

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// StateListener is called after every state change, outside any device
// lock. Listeners run synchronously and should not block.
type StateListener func(device string, from, to State)

// stateTracker holds the current state, a ring of recent transitions and
// the listeners.
type stateTracker struct {
	mu        sync.RWMutex
	current   State
	ring      [historySize]Transition
	head      int
	count     int
	nextID    int
	listeners map[int]StateListener
}

func newStateTracker() *stateTracker {
	return &stateTracker{listeners: make(map[int]StateListener)}
}

func (t *stateTracker) get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// set moves to state and notifies listeners. Setting the current state
// again does nothing.
func (t *stateTracker) set(device string, state State, reason string) {
	t.mu.Lock()
	from := t.current
	if from == state {
		t.mu.Unlock()
		return
	}
	t.current = state
	t.ring[t.head] = Transition{From: from, To: state, At: time.Now(), Reason: reason}
	t.head = (t.head + 1) % historySize
	if t.count < historySize {
		t.count++
	}

	listeners := make([]StateListener, 0, len(t.listeners))
	for id := 0; id < t.nextID; id++ {
		if l, ok := t.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(device, from, state)
	}
}

func (t *stateTracker) subscribe(l StateListener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

// history returns the recorded transitions, oldest first.
func (t *stateTracker) history() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.count == 0 {
		return nil
	}
	out := make([]Transition, t.count)
	if t.count < historySize {
		copy(out, t.ring[:t.count])
		return out
	}
	n := copy(out, t.ring[t.head:])
	copy(out[n:], t.ring[:t.head])
	return out
}
