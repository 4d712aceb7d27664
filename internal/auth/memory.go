package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/iam"
	"tessera.dev/internal/ledger"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process memory. Transactions are
// serialized and roll back by restoring a snapshot.
type MemoryStore struct {
	txMu   sync.Mutex
	users  *memoryUsers
	tokens *ledger.InMemory
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		users:  &memoryUsers{now: now, byID: make(map[uuid.UUID]User)},
		tokens: ledger.NewInMemory(now),
	}
}

// Users and Tokens outside a transaction take the transaction lock for
// every write, so a rollback never restores over a committed change.
func (s *MemoryStore) Users(ctx context.Context) UserStore { return lockedUsers{s} }
func (s *MemoryStore) Tokens(ctx context.Context) ledger.Store { return lockedTokens{s} }

// Ledger exposes the token ledger for inspection.
func (s *MemoryStore) Ledger() *ledger.InMemory { return s.tokens }

func (s *MemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	users := s.users.snapshot()
	tokens := s.tokens.Snapshot()
	if err := fn(memoryTx{s}); err != nil {
		s.users.restore(users)
		s.tokens.Restore(tokens)
		return err
	}
	return nil
}

type lockedUsers struct{ s *MemoryStore }

func (l lockedUsers) Create(ctx context.Context, u *User) error {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.users.Create(ctx, u)
}

func (l lockedUsers) Find(ctx context.Context, id uuid.UUID) (*User, error) {
	return l.s.users.Find(ctx, id)
}

func (l lockedUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	return l.s.users.FindByEmail(ctx, email)
}

func (l lockedUsers) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.users.TouchLastLogin(ctx, id)
}

func (l lockedUsers) MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.users.MarkEmailVerified(ctx, id)
}

func (l lockedUsers) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.users.UpdatePassword(ctx, id, passwordHash)
}

func (l lockedUsers) UpdateName(ctx context.Context, id uuid.UUID, firstName, lastName string) error {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.users.UpdateName(ctx, id, firstName, lastName)
}

func (l lockedUsers) Delete(ctx context.Context, id uuid.UUID) error {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.users.Delete(ctx, id)
}

type lockedTokens struct{ s *MemoryStore }

func (l lockedTokens) Insert(ctx context.Context, rows ...ledger.Row) error {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.tokens.Insert(ctx, rows...)
}

func (l lockedTokens) Live(ctx context.Context, revocationID []byte) (ledger.Row, error) {
	return l.s.tokens.Live(ctx, revocationID)
}

func (l lockedTokens) RevokeToken(ctx context.Context, tokenID uuid.UUID, kind iam.Kind) (int64, error) {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.tokens.RevokeToken(ctx, tokenID, kind)
}

func (l lockedTokens) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) (int64, error) {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.tokens.RevokeSession(ctx, userID, sessionID)
}

func (l lockedTokens) RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	l.s.txMu.Lock()
	defer l.s.txMu.Unlock()
	return l.s.tokens.RevokeUser(ctx, userID)
}

// memoryTx is the store handed to a transaction body; nested InTx calls
// join the open transaction.
type memoryTx struct{ s *MemoryStore }

func (t memoryTx) Users(ctx context.Context) UserStore { return t.s.users }
func (t memoryTx) Tokens(ctx context.Context) ledger.Store { return t.s.tokens }
func (t memoryTx) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

type memoryUsers struct {
	mu   sync.RWMutex
	now  func() time.Time
	byID map[uuid.UUID]User
}

func (m *memoryUsers) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, u.Email)
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = iam.RoleUser
	}
	u.CreatedAt = m.now().UTC()
	m.byID[u.ID] = *u
	return nil
}

func (m *memoryUsers) Find(ctx context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *memoryUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.byID {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryUsers) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	return m.update(id, func(u *User) {
		now := m.now().UTC()
		u.LastLogin = &now
	})
}

func (m *memoryUsers) MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	changed := false
	err := m.update(id, func(u *User) {
		if u.EmailVerifiedAt != nil {
			return
		}
		now := m.now().UTC()
		u.EmailVerifiedAt = &now
		changed = true
	})
	if err == ErrNotFound {
		return false, nil
	}
	return changed, err
}

func (m *memoryUsers) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return m.update(id, func(u *User) { u.PasswordHash = passwordHash })
}

func (m *memoryUsers) UpdateName(ctx context.Context, id uuid.UUID, firstName, lastName string) error {
	return m.update(id, func(u *User) {
		u.FirstName = firstName
		u.LastName = lastName
	})
}

func (m *memoryUsers) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memoryUsers) update(id uuid.UUID, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	m.byID[id] = u
	return nil
}

func (m *memoryUsers) snapshot() map[uuid.UUID]User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]User, len(m.byID))
	for k, v := range m.byID {
		out[k] = v
	}
	return out
}

func (m *memoryUsers) restore(users map[uuid.UUID]User) {
	m.mu.Lock()
	m.byID = users
	m.mu.Unlock()
}
