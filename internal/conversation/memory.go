package conversation

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"risk-coach/internal/domain"
)

const shardCount = 32

// MemoryStore is a process-wide history store. Keys are spread over shards so
// a user only contends with the few keys hashed to the same shard, and every
// mutation of one user's history happens under that shard's lock.
type MemoryStore struct {
	maxTurns int
	idleTTL  time.Duration
	now      func() time.Time
	shards   [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	turns      []domain.Turn
	lastActive time.Time
}

// NewMemoryStore creates a store capped at maxTurns per user. A positive
// idleTTL forgets users that have not asked anything for that long; zero keeps
// them until cleared.
func NewMemoryStore(maxTurns int, idleTTL time.Duration) *MemoryStore {
	s := &MemoryStore{
		maxTurns: NormalizeMaxTurns(maxTurns),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*session)
	}
	return s
}

func (s *MemoryStore) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) expired(sess *session, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(sess.lastActive) > s.idleTTL
}

// GetHistory returns a copy of the user's turns, oldest first.
func (s *MemoryStore) GetHistory(_ context.Context, userID string) ([]domain.Turn, error) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[userID]
	if !ok {
		return []domain.Turn{}, nil
	}
	if s.expired(sess, s.now()) {
		delete(sh.sessions, userID)
		return []domain.Turn{}, nil
	}
	return append([]domain.Turn{}, sess.turns...), nil
}

// AppendExchange records a question and its answer as one step.
func (s *MemoryStore) AppendExchange(ctx context.Context, userID, question, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return errors.New("conversation: user id must not be empty")
	}
	now := s.now()
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[userID]
	if !ok || s.expired(sess, now) {
		sess = &session{}
		sh.sessions[userID] = sess
	}
	sess.turns = AppendTrimmed(sess.turns, s.maxTurns, Exchange(question, answer)...)
	sess.lastActive = now
	return nil
}

// Clear forgets the user's history. Clearing an unknown user is a no-op.
func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	delete(sh.sessions, userID)
	sh.mu.Unlock()
	return nil
}

// ClearExpired drops every idle session and reports how many were removed.
func (s *MemoryStore) ClearExpired(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if s.expired(sess, now) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// users reports how many users currently have a history.
func (s *MemoryStore) users() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps idle sessions every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ClearExpired(s.now())
		}
	}
}
