package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultActionHistoryLimit is the bounded action log length per session
// (spec §3: "a bounded sequence (default 100)").
const DefaultActionHistoryLimit = 100

// Listener observes state transitions for one session. A listener that
// panics is recovered and logged; it never affects other listeners or the
// state itself (spec §4.2).
type Listener func(newState, prevState SessionState)

// ActionLogEntry is one retained, applied action for diagnostics.
type ActionLogEntry struct {
	ID        string
	Action    Action
	AppliedAt time.Time
}

type sessionEntry struct {
	mu        sync.Mutex
	state     SessionState
	listeners map[string]Listener
	history   []ActionLogEntry
}

// Store is the process-wide session map described in spec §4.2. All
// mutation is serialized per session via that session's own mutex; readers
// see a consistent snapshot because SessionState is handed out by value.
type Store struct {
	mu               sync.RWMutex
	sessions         map[string]*sessionEntry
	historyLimit     int
}

// New creates an empty Store with the default action-history limit.
func New() *Store {
	return &Store{
		sessions:     make(map[string]*sessionEntry),
		historyLimit: DefaultActionHistoryLimit,
	}
}

// CreateSession is idempotent: it returns the existing state if id is
// already present, or seeds a fresh pending SessionState otherwise.
func (st *Store) CreateSession(id string) SessionState {
	st.mu.Lock()
	defer st.mu.Unlock()

	if entry, ok := st.sessions[id]; ok {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.state.clone()
	}

	entry := &sessionEntry{
		state:     newSessionState(id, time.Now()),
		listeners: make(map[string]Listener),
	}
	st.sessions[id] = entry
	return entry.state.clone()
}

// GetState returns a snapshot of the session's state, or false if unknown.
func (st *Store) GetState(id string) (SessionState, bool) {
	st.mu.RLock()
	entry, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return SessionState{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.clone(), true
}

// Dispatch applies action to session id's state via the composed reducer.
// Dispatch to an unknown id is a no-op, matching spec §4.2's failure model.
func (st *Store) Dispatch(id string, action Action) {
	st.mu.RLock()
	entry, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	prev := entry.state
	next, changed := reduce(prev, action)
	if changed {
		next.Metadata.UpdatedAt = time.Now()
		entry.state = next
	}
	entry.appendHistory(action, st.historyLimit)
	listeners := make([]Listener, 0, len(entry.listeners))
	for _, l := range entry.listeners {
		listeners = append(listeners, l)
	}
	entry.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		notify(l, next.clone(), prev.clone())
	}
}

func notify(l Listener, next, prev SessionState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("session store listener panicked", "recovered", r)
		}
	}()
	l(next, prev)
}

func (e *sessionEntry) appendHistory(action Action, limit int) {
	e.history = append(e.history, ActionLogEntry{
		ID:        uuid.NewString(),
		Action:    action,
		AppliedAt: time.Now(),
	})
	if len(e.history) > limit {
		e.history = e.history[len(e.history)-limit:]
	}
}

// Subscribe registers a listener for session id's state changes and returns
// an unsubscribe function. Subscribing to an unknown id is a no-op whose
// unsubscribe function does nothing.
func (st *Store) Subscribe(id string, l Listener) (unsubscribe func()) {
	st.mu.RLock()
	entry, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return func() {}
	}

	token := uuid.NewString()
	entry.mu.Lock()
	entry.listeners[token] = l
	entry.mu.Unlock()

	return func() {
		entry.mu.Lock()
		delete(entry.listeners, token)
		entry.mu.Unlock()
	}
}

// RemoveSession dispatches SESSION_END, then drops the session entirely.
func (st *Store) RemoveSession(id string) {
	st.Dispatch(id, Action{Type: ActionSessionEnd})

	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// GetActionHistory returns the last N applied actions for id, oldest first.
func (st *Store) GetActionHistory(id string) []ActionLogEntry {
	st.mu.RLock()
	entry, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]ActionLogEntry, len(entry.history))
	copy(out, entry.history)
	return out
}

// Count reports the number of live sessions, used by diagnostics.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
