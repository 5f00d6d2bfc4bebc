package session

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Recorder receives session gauge updates.
type Recorder interface {
	SessionOpened()
	SessionClosed()
}

type noopRecorder struct{}

func (noopRecorder) SessionOpened() {}
func (noopRecorder) SessionClosed() {}

type RegistryConfig struct {
	Fetcher UserFetcher
	Metrics Recorder
	Logger  *zap.Logger
}

// Registry owns the States opened for each session id so that logout can
// release every subscription bound to the session.
type Registry struct {
	fetcher UserFetcher
	metrics Recorder
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]map[*State]struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	var recorder Recorder = noopRecorder{}
	if cfg.Metrics != nil {
		recorder = cfg.Metrics
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		fetcher:  cfg.Fetcher,
		metrics:  recorder,
		logger:   logger,
		sessions: make(map[string]map[*State]struct{}),
	}
}

// Open creates a State bound to sessionID.
func (r *Registry) Open(sessionID string) *State {
	state := NewState(r.fetcher, r.logger)
	key := strings.TrimSpace(sessionID)

	r.mu.Lock()
	bucket, ok := r.sessions[key]
	if !ok {
		bucket = make(map[*State]struct{})
		r.sessions[key] = bucket
	}
	bucket[state] = struct{}{}
	r.mu.Unlock()

	r.metrics.SessionOpened()
	return state
}

// Get returns the open States bound to sessionID.
func (r *Registry) Get(sessionID string) []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.sessions[strings.TrimSpace(sessionID)]
	states := make([]*State, 0, len(bucket))
	for state := range bucket {
		states = append(states, state)
	}
	return states
}

// Release closes one State and forgets it.
func (r *Registry) Release(sessionID string, state *State) {
	if state == nil {
		return
	}
	key := strings.TrimSpace(sessionID)
	r.mu.Lock()
	bucket := r.sessions[key]
	_, tracked := bucket[state]
	if tracked {
		delete(bucket, state)
		if len(bucket) == 0 {
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	state.Close()
	if tracked {
		r.metrics.SessionClosed()
	}
}

// Close closes every State bound to sessionID and returns how many were open.
func (r *Registry) Close(sessionID string) int {
	key := strings.TrimSpace(sessionID)
	r.mu.Lock()
	bucket := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	for state := range bucket {
		state.Close()
		r.metrics.SessionClosed()
	}
	if len(bucket) > 0 {
		r.logger.Debug("session states closed",
			zap.String("session_id", key),
			zap.Int("count", len(bucket)))
	}
	return len(bucket)
}

// CloseAll releases every tracked State.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]map[*State]struct{})
	r.mu.Unlock()

	for _, bucket := range sessions {
		for state := range bucket {
			state.Close()
			r.metrics.SessionClosed()
		}
	}
}
