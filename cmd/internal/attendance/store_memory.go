package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex serializes all writes,
// which trivially satisfies the per-session locking contract.
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*Session
	byToken  map[string]string // current_token -> session id
	checkIns map[string][]CheckIn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
		checkIns: make(map[string][]CheckIn),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) (Session, error) {
	const op = "attendance.MemoryStore.CreateSession"
	if err := ctx.Err(); err != nil {
		return Session{}, storageErr(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return Session{}, storageErr(op, errors.New("duplicate session id"))
	}
	if _, ok := m.byToken[s.CurrentToken]; ok {
		return Session{}, ErrTokenConflict
	}

	cp := s
	m.sessions[s.ID] = &cp
	m.byToken[s.CurrentToken] = s.ID
	return cp, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	const op = "attendance.MemoryStore.GetSession"
	if err := ctx.Err(); err != nil {
		return Session{}, storageErr(op, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, notFound(op, id)
	}
	return *s, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, f ListSessionsFilter) ([]Session, error) {
	const op = "attendance.MemoryStore.ListSessions"
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		if !f.UsableAt.IsZero() && !s.Usable(f.UsableAt) {
			continue
		}
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if lim := clampLimit(f.Limit); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m *MemoryStore) UpdateNotes(ctx context.Context, id, notes string, now time.Time) (Session, error) {
	const op = "attendance.MemoryStore.UpdateNotes"
	if err := ctx.Err(); err != nil {
		return Session{}, storageErr(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, notFound(op, id)
	}
	s.Notes = notes
	s.UpdatedAt = now
	return *s, nil
}

func (m *MemoryStore) RotateToken(ctx context.Context, id, newToken string, now time.Time) (Session, error) {
	const op = "attendance.MemoryStore.RotateToken"
	if err := ctx.Err(); err != nil {
		return Session{}, storageErr(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, notFound(op, id)
	}
	if s.Status == StatusClosed {
		return Session{}, OpError{Op: op, Kind: ErrSessionClosed, Msg: "session " + id}
	}
	if owner, taken := m.byToken[newToken]; taken && owner != id {
		return Session{}, ErrTokenConflict
	}

	delete(m.byToken, s.CurrentToken)
	s.CurrentToken = newToken
	s.TokenRotatedAt = now
	s.UpdatedAt = now
	m.byToken[newToken] = id
	return *s, nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, id string, now time.Time) (Session, bool, error) {
	const op = "attendance.MemoryStore.CloseSession"
	if err := ctx.Err(); err != nil {
		return Session{}, false, storageErr(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false, notFound(op, id)
	}
	if s.Status == StatusClosed {
		return *s, false, nil
	}
	closedAt := now
	s.Status = StatusClosed
	s.ClosedAt = &closedAt
	s.UpdatedAt = now
	return *s, true, nil
}

func (m *MemoryStore) FindActiveByToken(ctx context.Context, tok string) (Session, error) {
	const op = "attendance.MemoryStore.FindActiveByToken"
	if err := ctx.Err(); err != nil {
		return Session{}, storageErr(op, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[tok]
	if !ok || tok == "" {
		return Session{}, OpError{Op: op, Kind: ErrNotFound, Msg: "token"}
	}
	s := m.sessions[id]
	if s.Status != StatusActive {
		return Session{}, OpError{Op: op, Kind: ErrNotFound, Msg: "token"}
	}
	return *s, nil
}

func (m *MemoryStore) RecordCheckIn(ctx context.Context, sessionID string, admit AdmitFunc) (CheckIn, error) {
	const op = "attendance.MemoryStore.RecordCheckIn"
	if err := ctx.Err(); err != nil {
		return CheckIn{}, storageErr(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snap *Session
	if s, ok := m.sessions[sessionID]; ok {
		cp := *s
		snap = &cp
	}
	ci, err := admit(snap)
	if err != nil {
		return CheckIn{}, err
	}
	m.checkIns[sessionID] = append(m.checkIns[sessionID], ci)
	return ci, nil
}

func (m *MemoryStore) ListCheckIns(ctx context.Context, sessionID string) ([]CheckIn, error) {
	const op = "attendance.MemoryStore.ListCheckIns"
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	m.mu.RLock()
	src := m.checkIns[sessionID]
	out := make([]CheckIn, len(src))
	copy(out, src)
	m.mu.RUnlock()

	sortCheckIns(out)
	return out, nil
}

func (m *MemoryStore) StreamCheckIns(ctx context.Context, sessionID string, fn func(CheckIn) error) error {
	rows, err := m.ListCheckIns(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, ci := range rows {
		if err := ctx.Err(); err != nil {
			return storageErr("attendance.MemoryStore.StreamCheckIns", err)
		}
		if err := fn(ci); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) CountCheckIns(ctx context.Context, sessionID string) (int, error) {
	const op = "attendance.MemoryStore.CountCheckIns"
	if err := ctx.Err(); err != nil {
		return 0, storageErr(op, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkIns[sessionID]), nil
}

func (m *MemoryStore) Close() error { return nil }

func sortCheckIns(rows []CheckIn) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CheckedInAt.Equal(rows[j].CheckedInAt) {
			return rows[i].CheckedInAt.Before(rows[j].CheckedInAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
