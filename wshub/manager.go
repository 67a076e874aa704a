package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/go-socket/wsconn"
	"github.com/coregx/go-socket/wsproto"
)

// defaultSweepInterval matches spec.md §4.F: "sweep() runs every 60s by
// default."
const defaultSweepInterval = 60 * time.Second

// ManagerState is the SessionManager's own lifecycle, mirroring the
// ServiceHost state spec.md §4.F gates Add on ("Rejects when service
// state != Started").
type ManagerState int32

const (
	// Idle is the state before Start is called; Add rejects here too.
	Idle ManagerState = iota
	Started
	ShuttingDown
	Stopped
)

func (s ManagerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotStarted is returned by Add when the manager isn't Started.
	ErrNotStarted = errors.New("wshub: session manager is not started")
	// ErrStopped is returned by operations attempted after Stop.
	ErrStopped = errors.New("wshub: session manager stopped")
)

// SessionManager is a per-service-path registry of open sessions (spec.md
// §4.F). It tracks a map of Session keyed by opaque id, fans out
// broadcasts and pings to a snapshot taken at call time (§4.F Ordering:
// "broadcasts iterate a snapshot of sessions taken at call time;
// additions during broadcast are not guaranteed to be included"), and
// runs a periodic sweep that closes sessions whose ping has timed out.
//
// Grounded on coregx-stream/websocket/hub.go's channel-driven Run() event
// loop and coregx-stream/sse/hub.go's generic Hub[T] snapshot-then-send
// handleBroadcast, generalized to a keyed registry with a state machine,
// a timer-driven sweep, and a parallel-close Stop instead of a single
// unbounded client set.
type SessionManager struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	state atomic.Int32

	sweepInterval time.Duration
	sweepMu       sync.Mutex
	sweepRunning  atomic.Bool
	sweepStop     chan struct{}
	sweepDone     chan struct{}
}

// NewSessionManager creates a SessionManager. sweepInterval <= 0 selects
// the 60s default.
func NewSessionManager(log zerolog.Logger, sweepInterval time.Duration) *SessionManager {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	m := &SessionManager{
		log:           log,
		sessions:      make(map[string]*Session),
		sweepInterval: sweepInterval,
	}
	m.state.Store(int32(Idle))
	return m
}

// State returns the manager's current lifecycle state.
func (m *SessionManager) State() ManagerState { return ManagerState(m.state.Load()) }

// Start transitions the manager to Started and launches the timer-driven
// sweep task (spec.md §5: "Sweeps run on a timer-driven task").
func (m *SessionManager) Start() {
	if !m.state.CompareAndSwap(int32(Idle), int32(Started)) {
		return
	}
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go m.sweepLoop()
}

func (m *SessionManager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.sweepStop:
			return
		}
	}
}

// Add registers a new session wrapping conn and returns its freshly
// minted id. It rejects with ErrNotStarted/ErrStopped unless the manager
// is in the Started state (spec.md §4.F add).
func (m *SessionManager) Add(conn *wsconn.Conn) (string, error) {
	switch m.State() {
	case Started:
	case Stopped, ShuttingDown:
		return "", ErrStopped
	default:
		return "", ErrNotStarted
	}

	id := newSessionID()
	sess := &Session{ID: id, Conn: conn}

	m.mu.Lock()
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	m.log.Debug().Str("session_id", id).Int("session_count", count).Msg("session added")
	return id, nil
}

// Remove drops the session with id, if present, and reports whether it
// was found (spec.md §4.F remove).
func (m *SessionManager) Remove(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.log.Debug().Str("session_id", id).Int("session_count", count).Msg("session removed")
	}
	return ok
}

// Get returns the session for id, if it exists.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Count returns the number of currently registered sessions (open,
// closing, or not yet swept).
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// snapshot copies the current session set under the read lock, so callers
// iterate outside the lock and never block registration on a slow send
// (spec.md §4.F Ordering).
func (m *SessionManager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends one message of opcode/payload to every session
// currently Open, re-framing per connection via that connection's own
// Send fragmentation (spec.md §4.F broadcast). It returns true iff every
// send succeeded.
func (m *SessionManager) Broadcast(opcode wsproto.Opcode, payload []byte) bool {
	allOK := true
	for _, sess := range m.snapshot() {
		if sess.Conn.State() != wsconn.Open {
			continue
		}
		if err := sess.Conn.Send(opcode, payload); err != nil {
			allOK = false
			m.log.Warn().Str("session_id", sess.ID).Err(err).Msg("broadcast send failed")
		}
	}
	return allOK
}

// BroadcastJSON marshals v and broadcasts it as a single Text message, the
// same convenience coregx-stream's Hub.BroadcastJSON offers for its
// single-room hub, generalized to this registry's Open-session fan-out.
func (m *SessionManager) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wshub: marshal broadcast payload: %w", err)
	}
	m.Broadcast(wsproto.OpText, data)
	return nil
}

// BroadPing pings every Open session with payload and returns a map from
// session id to whether a Pong arrived before that session's own wait
// time elapsed (spec.md §4.F broadping). Pings run concurrently; each
// session's own Conn.Ping already serializes against its writer.
func (m *SessionManager) BroadPing(payload []byte) map[string]bool {
	sessions := m.snapshot()
	results := make(map[string]bool, len(sessions))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, sess := range sessions {
		if sess.Conn.State() != wsconn.Open {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			err := s.Conn.Ping(payload)
			mu.Lock()
			results[s.ID] = err == nil
			mu.Unlock()
		}(sess)
	}
	wg.Wait()
	return results
}

// Sweep drops sessions whose connection is Closed, force-closes sessions
// stuck in Open whose ping times out, and leaves Closing sessions alone
// (spec.md §4.F sweep). Only one sweep runs at a time; a concurrent
// caller returns immediately without doing anything ("concurrent callers
// wait or return" — this manager chooses "return", matching the
// non-blocking Register/Unregister style coregx-stream's Hub uses
// elsewhere for already-closed guards).
func (m *SessionManager) Sweep() {
	if !m.sweepRunning.CompareAndSwap(false, true) {
		return
	}
	defer m.sweepRunning.Store(false)

	for _, sess := range m.snapshot() {
		switch sess.Conn.State() {
		case wsconn.Open:
			if err := sess.Conn.Ping(nil); err != nil {
				m.log.Info().Str("session_id", sess.ID).Msg("sweep: ping timed out, closing")
				_ = sess.Conn.CloseWithCode(wsproto.CloseProtocolError, "ping timeout")
				m.Remove(sess.ID)
			}
		case wsconn.Closing:
			// leave alone; still mid close-handshake
		default:
			m.Remove(sess.ID)
		}
	}
}

// Stop transitions the manager to ShuttingDown, disables the sweep,
// issues a parallel CloseWithCode(code, reason) to every remaining
// session, awaits them all (bounded by timeout), then transitions to
// Stopped (spec.md §4.F stop).
func (m *SessionManager) Stop(ctx context.Context, code wsproto.CloseCode, reason string, timeout time.Duration) error {
	if !m.state.CompareAndSwap(int32(Started), int32(ShuttingDown)) {
		if !m.state.CompareAndSwap(int32(Idle), int32(ShuttingDown)) {
			return nil
		}
	}

	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
	}

	sessions := m.snapshot()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Conn.CloseWithCode(code, reason)
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("wshub: stop timed out waiting for %d session(s) to close", len(sessions))
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.state.Store(int32(Stopped))
	m.log.Info().Int("session_count", len(sessions)).Msg("session manager stopped")
	return err
}
