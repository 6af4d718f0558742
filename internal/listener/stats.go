package listener

import (
	"sync"
	"time"
)

// Stats is a shared view of listener health, read by the status endpoint
// while the listener mutates it. Safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	state       string
	connectedAt time.Time
	lastError   string

	cycles          uint64
	dispatched      uint64
	handlerFailures uint64
	reconnects      uint64
}

// Snapshot is the JSON shape served by the status endpoint.
type Snapshot struct {
	State           string     `json:"state"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Cycles          uint64     `json:"idle_cycles"`
	Dispatched      uint64     `json:"messages_dispatched"`
	HandlerFailures uint64     `json:"handler_failures"`
	Reconnects      uint64     `json:"reconnect_attempts"`
}

func NewStats() *Stats {
	return &Stats{state: "starting"}
}

func (s *Stats) setState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == "connected" {
		s.connectedAt = time.Now()
	}
}

func (s *Stats) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
	}
}

func (s *Stats) addCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
}

func (s *Stats) addDispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched++
}

// AddHandlerFailure is exported for the dispatcher's owner to record
// handler faults alongside the OTel counter.
func (s *Stats) AddHandlerFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerFailures++
}

func (s *Stats) addReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

// Snapshot returns a copy for serving.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:           s.state,
		LastError:       s.lastError,
		Cycles:          s.cycles,
		Dispatched:      s.dispatched,
		HandlerFailures: s.handlerFailures,
		Reconnects:      s.reconnects,
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		snap.ConnectedAt = &t
	}
	return snap
}
