// Package session holds per-session live views of the signed-in user.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when a closed State is asked to fetch a user.
	ErrClosed = errors.New("session: state closed")

	errMissingUserID = errors.New("session: user id is required")
)

// UserFetcher opens live subscriptions on user documents.
type UserFetcher interface {
	FetchUser(ctx context.Context, userID string, onChange func(schema.User)) (*users.Subscription, error)
}

// State is the session context for one signed-in user. It holds at most one
// store subscription, and its user is written only by that subscription.
type State struct {
	fetcher UserFetcher
	logger  *zap.Logger

	mu           sync.Mutex
	user         schema.User
	loaded       bool
	subscription *users.Subscription
	generation   uint64
	closed       bool
	updates      chan schema.User
}

// NewState constructs an empty State reading through fetcher.
func NewState(fetcher UserFetcher, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		fetcher: fetcher,
		logger:  logger,
		updates: make(chan schema.User, 1),
	}
}

// Current returns the loaded user. ok is false before the first delivery, after
// Close, and while the watched document does not exist.
func (s *State) Current() (schema.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.user.IsEmpty() {
		return schema.User{}, false
	}
	return s.user, true
}

// Updates yields every delivered user, keeping only the most recent one when
// the consumer lags. The channel closes with the State.
func (s *State) Updates() <-chan schema.User {
	return s.updates
}

// FetchUser subscribes the State to userID, replacing any previous subscription.
// The current document is loaded before FetchUser returns. The subscription
// lives until ctx ends or the State is closed.
func (s *State) FetchUser(ctx context.Context, userID string) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return errMissingUserID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.generation++
	generation := s.generation
	previous := s.subscription
	s.subscription = nil
	s.user = schema.User{}
	s.loaded = false
	s.mu.Unlock()

	// Close waits for an in-flight callback, which needs the lock.
	previous.Close()

	subscription, err := s.fetcher.FetchUser(ctx, trimmed, func(user schema.User) {
		s.deliver(generation, user)
	})
	if err != nil {
		s.logger.Error("session fetch user failed", zap.String("user_id", trimmed), zap.Error(err))
		return err
	}

	s.mu.Lock()
	if s.closed || s.generation != generation {
		closed := s.closed
		s.mu.Unlock()
		subscription.Close()
		if closed {
			return ErrClosed
		}
		return nil
	}
	s.subscription = subscription
	s.mu.Unlock()
	return nil
}

// Close releases the subscription and clears the user. It is idempotent.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.user = schema.User{}
	s.loaded = false
	subscription := s.subscription
	s.subscription = nil
	close(s.updates)
	s.mu.Unlock()

	subscription.Close()
}

// Closed reports whether Close has run.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *State) deliver(generation uint64, user schema.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != generation {
		return
	}
	s.user = user
	s.loaded = true
	select {
	case s.updates <- user:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- user
	}
}
