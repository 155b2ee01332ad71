package turn

import (
	"context"
	"sync"
	"time"
)

// SessionLocks serializes turns within a session. Each session key holds the
// tail of a wait chain: a new acquirer parks behind the current tail, so
// turns run strictly in arrival order while different sessions stay fully
// concurrent.
type SessionLocks struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{tails: make(map[string]chan struct{})}
}

// Acquire blocks until the session's previous turn releases, or the context
// expires. It returns the release func and how long the caller queued.
func (l *SessionLocks) Acquire(ctx context.Context, sessionID string) (release func(), waited time.Duration, err error) {
	mine := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[sessionID]
	l.tails[sessionID] = mine
	l.mu.Unlock()

	started := time.Now()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Hand the chain through: when our predecessor finishes, close
			// our link so successors are not stranded behind a dead waiter.
			go func() {
				if prev != nil {
					<-prev
				}
				close(mine)
			}()
			return nil, time.Since(started), ctx.Err()
		}
	}
	waited = time.Since(started)

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(mine)
			l.mu.Lock()
			if l.tails[sessionID] == mine {
				delete(l.tails, sessionID)
			}
			l.mu.Unlock()
		})
	}
	return release, waited, nil
}
