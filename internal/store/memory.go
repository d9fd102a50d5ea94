package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
)

// memstore is the single-process Store used when no DATABASE_URL is set and
// by tests. It applies the same guards as the Postgres queries, including the
// one-confirmed-record-per-web-user index.
type memstore struct {
	mu  sync.RWMutex
	clk clock.Clock

	records map[string]*domain.PlayerAuthRecord // playerID -> record
	users   map[string]*domain.WebUser          // id -> user
}

var _ Store = (*memstore)(nil)

func NewMemory(clk clock.Clock) Store {
	if clk == nil {
		clk = clock.New()
	}
	return &memstore{
		clk:     clk,
		records: make(map[string]*domain.PlayerAuthRecord),
		users:   make(map[string]*domain.WebUser),
	}
}

func (m *memstore) UpsertToken(_ context.Context, playerID, playerUUID, token string, expiry time.Time) (*domain.PlayerAuthRecord, error) {
	if strings.TrimSpace(playerID) == "" || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("upsert token: player id and token are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	rec, ok := m.records[playerID]
	if !ok {
		rec = &domain.PlayerAuthRecord{PlayerID: playerID, CreatedAt: now}
		m.records[playerID] = rec
	}
	rec.PlayerUUID = playerUUID
	rec.AuthToken = token
	rec.TokenExpiry = expiry
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

func (m *memstore) GetByPlayerID(_ context.Context, playerID string) (*domain.PlayerAuthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[playerID]; ok {
		return rec.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *memstore) GetByToken(_ context.Context, token string) (*domain.PlayerAuthRecord, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.AuthToken == token {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memstore) ListByWebUser(_ context.Context, webUserID string) ([]*domain.PlayerAuthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.PlayerAuthRecord
	for _, rec := range m.records {
		if rec.LinkedTo(webUserID) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memstore) SetOTP(_ context.Context, playerID, code string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[playerID]
	if !ok {
		return ErrNotFound
	}
	c, e := code, expiry
	rec.OTP, rec.OTPExpiry = &c, &e
	rec.UpdatedAt = m.clk.Now()
	return nil
}

func (m *memstore) ClearOTP(_ context.Context, playerID, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[playerID]
	if !ok || rec.OTP == nil || *rec.OTP != expected {
		return false, nil
	}
	rec.OTP, rec.OTPExpiry = nil, nil
	rec.UpdatedAt = m.clk.Now()
	return true, nil
}

func (m *memstore) ConsumeOTP(_ context.Context, playerID, code string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[playerID]
	if !ok || rec.OTP == nil || *rec.OTP != code || rec.OTPExpiry == nil || !rec.OTPExpiry.After(now) {
		return false, nil
	}
	rec.OTP, rec.OTPExpiry = nil, nil
	rec.UpdatedAt = m.clk.Now()
	return true, nil
}

// confirmedHolderLocked reports whether another confirmed record already
// references webUserID.
func (m *memstore) confirmedHolderLocked(webUserID, exceptPlayerID string) bool {
	for id, rec := range m.records {
		if id != exceptPlayerID && rec.Confirmed && rec.LinkedTo(webUserID) {
			return true
		}
	}
	return false
}

func (m *memstore) Confirm(_ context.Context, playerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[playerID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Confirmed {
		return false, nil
	}
	if rec.WebUserID != nil && m.confirmedHolderLocked(*rec.WebUserID, playerID) {
		return false, ErrConflict
	}
	rec.Confirmed = true
	rec.UpdatedAt = m.clk.Now()
	return true, nil
}

func (m *memstore) Reserve(_ context.Context, playerID, webUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[playerID]
	if !ok {
		return ErrNotFound
	}
	if rec.Confirmed {
		return ErrAlreadyConfirmed
	}
	if rec.WebUserID != nil && *rec.WebUserID != webUserID {
		return ErrConflict
	}
	id := webUserID
	rec.WebUserID = &id
	rec.UpdatedAt = m.clk.Now()
	return nil
}

func (m *memstore) Link(_ context.Context, playerID, webUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[playerID]
	if !ok {
		return ErrNotFound
	}
	if !rec.Confirmed {
		return ErrNotConfirmed
	}
	if rec.WebUserID != nil && *rec.WebUserID != webUserID {
		return ErrConflict
	}
	if m.confirmedHolderLocked(webUserID, playerID) {
		return ErrConflict
	}
	id := webUserID
	rec.WebUserID = &id
	rec.UpdatedAt = m.clk.Now()
	return nil
}

func (m *memstore) DeleteExpiredUnconfirmed(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if !rec.Confirmed && !rec.TokenExpiry.After(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *memstore) CreateUser(_ context.Context, u *domain.WebUser) error {
	if u == nil {
		return fmt.Errorf("nil web user payload")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.ID == u.ID || strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicateUser
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.clk.Now()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memstore) GetUser(_ context.Context, id string) (*domain.WebUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memstore) GetUserByUsername(_ context.Context, username string) (*domain.WebUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
