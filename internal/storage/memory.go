package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	users   []User
	byID    map[string]int
	queue   []QueuedBroadcast
	seq     int64
	logs    []LogEntry
	replies []AutoReply
	kv      map[string]string
}

func newMemoryStore(now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{now: now, byID: map[string]int{}, kv: map[string]string{}}
}

func (s *memoryStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, len(s.users))
	copy(out, s.users)
	return out, nil
}

func (s *memoryStore) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[i], nil
}

func (s *memoryStore) GetUserRole(ctx context.Context, id string) (string, bool, error) {
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return u.Role, true, nil
}

func (s *memoryStore) UpsertUser(ctx context.Context, id, name, role string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if i, ok := s.byID[id]; ok {
		s.users[i].Name = name
		s.users[i].Role = role
		s.users[i].UpdatedAt = now
		return s.users[i], nil
	}
	u := User{ID: id, Name: name, Role: role, RegisteredAt: now, UpdatedAt: now}
	s.byID[id] = len(s.users)
	s.users = append(s.users, u)
	return u, nil
}

func (s *memoryStore) UserStats(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, u := range s.users {
		if u.Role != "" {
			out[u.Role]++
		}
	}
	return out, nil
}

func (s *memoryStore) Enqueue(ctx context.Context, item QueuedBroadcast) (QueuedBroadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	item.Seq = s.seq
	if item.Ref == "" {
		item.Ref = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.now()
	}
	s.queue = append(s.queue, item)
	return item, nil
}

func (s *memoryStore) DrainQueue(ctx context.Context) ([]QueuedBroadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, nil
}

func (s *memoryStore) Log(ctx context.Context, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.logs = append(s.logs, e)
	return nil
}

// Logs returns a copy of the audit log. Memory driver only.
func (s *memoryStore) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *memoryStore) FindAutoReply(ctx context.Context, text string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := firstAutoReply(s.replies, text)
	return resp, ok, nil
}

func (s *memoryStore) ReplaceAutoReplies(ctx context.Context, replies []AutoReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append([]AutoReply(nil), replies...)
	return nil
}

func (s *memoryStore) GetCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[CursorKey], nil
}

func (s *memoryStore) SetCursor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		delete(s.kv, CursorKey)
		return nil
	}
	s.kv[CursorKey] = id
	return nil
}

func (s *memoryStore) Close() error { return nil }
