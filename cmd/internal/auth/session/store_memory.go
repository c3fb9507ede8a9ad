package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Every index is updated under one lock.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	byToken   map[string]string
	byRefresh map[string]string
	byUser    map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Session),
		byToken:   make(map[string]string),
		byRefresh: make(map[string]string),
		byUser:    make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[s.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byToken[s.TokenHash]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byRefresh[s.RefreshTokenHash]; ok {
		return ErrDuplicate
	}

	s.Token, s.RefreshToken = "", ""
	m.byID[s.ID] = &s
	if s.IsActive {
		m.index(&s)
	}
	return nil
}

func (m *MemoryStore) index(s *Session) {
	m.byToken[s.TokenHash] = s.ID
	m.byRefresh[s.RefreshTokenHash] = s.ID
	set, ok := m.byUser[s.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[s.UserID] = set
	}
	set[s.ID] = struct{}{}
}

func (m *MemoryStore) unindex(s *Session) {
	delete(m.byToken, s.TokenHash)
	delete(m.byRefresh, s.RefreshTokenHash)
	if set, ok := m.byUser[s.UserID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) GetByTokenHash(ctx context.Context, digest string) (Session, error) {
	return m.getIndexed(ctx, m.byToken, digest)
}

func (m *MemoryStore) GetByRefreshHash(ctx context.Context, digest string) (Session, error) {
	return m.getIndexed(ctx, m.byRefresh, digest)
}

func (m *MemoryStore) getIndexed(ctx context.Context, idx map[string]string, digest string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := idx[digest]
	if !ok || digest == "" {
		return Session{}, ErrSessionNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) ListActiveByUser(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byUser[userID]
	out := make([]Session, 0, len(set))
	for id := range set {
		out = append(out, clone(m.byID[id]))
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, lastActivityAt, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok || !s.IsActive {
		return ErrSessionNotFound
	}
	s.LastActivityAt = lastActivityAt
	s.ExpiresAt = expiresAt
	return nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, id string, now time.Time, reason Reason) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	m.unindex(s)
	at := now
	s.IsActive = false
	s.DeactivatedAt = &at
	s.DeactivationReason = reason
	s.TokenHash, s.RefreshTokenHash = "", ""
	return true, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, set := range m.byUser {
		for id := range set {
			if m.byID[id].Expired(now) {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.byID {
		if !s.IsActive && s.DeactivatedAt != nil && s.DeactivatedAt.Before(cutoff) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func clone(s *Session) Session {
	c := *s
	if s.DeactivatedAt != nil {
		at := *s.DeactivatedAt
		c.DeactivatedAt = &at
	}
	return c
}

// sortOldestFirst orders by creation time. Ties fall back to the ID, which is
// mint order because ids.NewULID is monotonic within a millisecond.
func sortOldestFirst(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}
