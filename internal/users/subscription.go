package users

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/realtime"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"go.uber.org/zap"
)

// Subscription is a live read of one user document. Close stops delivery and
// waits for an in-flight callback to return; it must not be called from the callback.
type Subscription struct {
	userID      string
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// UserID returns the watched identifier.
func (sub *Subscription) UserID() string {
	if sub == nil {
		return ""
	}
	return sub.userID
}

// Close ends the subscription. It is safe to call more than once and on nil.
func (sub *Subscription) Close() {
	if sub == nil {
		return
	}
	sub.closeOnce.Do(func() {
		sub.cancel()
		sub.unsubscribe()
		<-sub.done
	})
}

// Done is closed once the subscription has stopped delivering.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// FetchUser subscribes to the user document. The current document is delivered
// to onChange before FetchUser returns, and again after every change committed
// through the store. An empty User is delivered while the document is absent.
// The subscription ends when ctx is cancelled or Close is called.
func (s *Store) FetchUser(ctx context.Context, userID string, onChange func(schema.User)) (*Subscription, error) {
	started := time.Now()
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		err := newStoreError(opFetchUser, reasonMissingTarget, ErrInvalidUserID)
		s.track(opFetchUser, started, &err)
		return nil, err
	}
	if onChange == nil {
		onChange = func(schema.User) {}
	}

	subCtx, cancel := context.WithCancel(ctx)
	// subscribe before the first read so no commit falls between the two
	changes, unsubscribe := s.feed.Subscribe(subCtx, trimmed)

	current, _, err := s.GetUser(subCtx, trimmed)
	if err != nil {
		unsubscribe()
		cancel()
		s.track(opFetchUser, started, &err)
		return nil, err
	}
	onChange(current)

	sub := &Subscription{
		userID:      trimmed,
		cancel:      cancel,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
	go s.watch(subCtx, trimmed, changes, onChange, sub.done)

	s.track(opFetchUser, started, &err)
	return sub, nil
}

func (s *Store) watch(ctx context.Context, userID string, changes <-chan realtime.Message, onChange func(schema.User), done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-changes:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if message.EventType == realtime.EventUserDeleted {
				onChange(schema.User{})
				continue
			}
			current, _, err := s.GetUser(ctx, userID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("users subscription reload failed",
					zap.String("user_id", userID),
					zap.Error(err))
				continue
			}
			onChange(current)
		}
	}
}
