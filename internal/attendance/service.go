package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound   = errors.New("document not found")
	ErrSaveFailed = errors.New("could not save your changes, please retry")
)

// Snapshot is one push from a subscription. Found is false when the user
// has no document yet.
type Snapshot struct {
	Document Document
	Found    bool
}

// Gateway reads, replaces and watches per-user documents.
type Gateway interface {
	Get(ctx context.Context, userID string) (Document, error)
	Put(ctx context.Context, userID string, doc Document) error
	Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error)
}

// WriteObserver is told about every write attempt.
type WriteObserver func(userID string, err error)

// Service owns one Session per signed-in user.
type Service struct {
	gateway      Gateway
	writeTimeout time.Duration
	observe      WriteObserver
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a service backed by a gateway.
func NewService(gateway Gateway, writeTimeout time.Duration) *Service {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Service{
		gateway:      gateway,
		writeTimeout: writeTimeout,
		now:          time.Now,
		sessions:     make(map[string]*Session),
	}
}

// ObserveWrites installs a callback run after each document write.
func (s *Service) ObserveWrites(fn WriteObserver) {
	s.observe = fn
}

// Open returns the user's session, loading the document on first use.
func (s *Service) Open(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if ok {
		sess.touch()
		return sess, nil
	}

	sess, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[userID]; ok {
		sess.close()
		existing.touch()
		return existing, nil
	}
	sess.touch()
	s.sessions[userID] = sess
	return sess, nil
}

func (s *Service) load(ctx context.Context, userID string) (*Session, error) {
	sess := &Session{
		userID:       userID,
		gateway:      s.gateway,
		writeTimeout: s.writeTimeout,
		observe:      s.observe,
		now:          s.now,
	}
	doc, err := s.gateway.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		sess.doc = NewDocument()
		if err := s.gateway.Put(ctx, userID, sess.doc.Clone()); err != nil {
			return nil, fmt.Errorf("initialize document: %w", err)
		}
		log.Printf("initialized document for user %s", userID)
	case err != nil:
		return nil, fmt.Errorf("load document: %w", err)
	default:
		sess.doc = doc
	}

	subCtx, cancel := context.WithCancel(context.Background())
	updates, err := s.gateway.Subscribe(subCtx, userID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sess.cancel = cancel
	sess.done = make(chan struct{})
	go sess.follow(updates)
	return sess, nil
}

// Close ends the user's session (sign-out).
func (s *Service) Close(userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if ok {
		sess.close()
	}
}

// CloseAll ends every session.
func (s *Service) CloseAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// EvictIdle closes every session unused for longer than maxIdle and returns
// how many were closed. An evicted user gets a fresh session, loaded from
// the store, on the next Open.
func (s *Service) EvictIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	var idle []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastUsed().Before(cutoff) {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range idle {
		sess.close()
	}
	return len(idle)
}

// RunReaper evicts idle sessions every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, maxIdle, every time.Duration) {
	if every <= 0 {
		every = max(maxIdle/2, time.Second)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(maxIdle); n > 0 {
				log.Printf("evicted %d idle sessions, %d still open", n, s.Active())
			}
		}
	}
}

// Active returns the number of open sessions.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Watch streams the user's document on every remote change.
func (s *Service) Watch(ctx context.Context, userID string) (<-chan Snapshot, error) {
	return s.gateway.Subscribe(ctx, userID)
}

// Session holds one user's in-memory document. Mutations are applied and
// written one at a time.
type Session struct {
	userID       string
	gateway      Gateway
	writeTimeout time.Duration
	observe      WriteObserver
	now          func() time.Time
	used         atomic.Int64

	mu     sync.Mutex
	doc    Document
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) touch() { s.used.Store(s.now().UnixNano()) }

func (s *Session) lastUsed() time.Time { return time.Unix(0, s.used.Load()) }

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

// Document returns a copy of the current in-memory document.
func (s *Session) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Update applies fn to a copy of the document. When fn fails nothing
// changes. Otherwise the copy becomes the local state and is written
// wholesale; a failed write keeps the local state and returns ErrSaveFailed.
func (s *Session) Update(ctx context.Context, fn func(*Document) error) (Document, error) {
	s.touch()
	return s.update(ctx, fn)
}

func (s *Session) update(ctx context.Context, fn func(*Document) error) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	if err := fn(&next); err != nil {
		return s.doc.Clone(), err
	}
	next.Revision = s.doc.Revision + 1
	s.doc = next

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	err := s.gateway.Put(wctx, s.userID, next.Clone())
	if s.observe != nil {
		s.observe(s.userID, err)
	}
	if err != nil {
		log.Printf("save document for user %s failed: %v", s.userID, err)
		return next.Clone(), fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return next.Clone(), nil
}

// follow replaces local state with each remote snapshot. Echoes older than
// the local revision are ignored so a slow echo cannot undo a newer edit.
func (s *Session) follow(updates <-chan Snapshot) {
	defer close(s.done)
	for snap := range updates {
		if !snap.Found {
			log.Printf("document for user %s disappeared, reinitializing", s.userID)
			if _, err := s.update(context.Background(), func(d *Document) error {
				d.Reset()
				return nil
			}); err != nil {
				log.Printf("reinitialize document for user %s: %v", s.userID, err)
			}
			continue
		}
		s.mu.Lock()
		if snap.Document.Revision >= s.doc.Revision {
			s.doc = snap.Document
		}
		s.mu.Unlock()
	}
}

func (s *Session) close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
