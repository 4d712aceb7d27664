package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/iam"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. Liveness is
// judged against its clock.
type InMemory struct {
	mu           sync.RWMutex
	now          func() time.Time
	rows         map[uuid.UUID]*Row
	byRevocation map[string]uuid.UUID
}

// NewInMemory creates an empty ledger. A nil clock means time.Now.
func NewInMemory(now func() time.Time) *InMemory {
	if now == nil {
		now = time.Now
	}
	return &InMemory{
		now:          now,
		rows:         make(map[uuid.UUID]*Row),
		byRevocation: make(map[string]uuid.UUID),
	}
}

func (s *InMemory) Insert(ctx context.Context, rows ...Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// all or nothing
	seen := make(map[string]struct{}, len(rows))
	seenIDs := make(map[uuid.UUID]struct{}, len(rows))
	for _, r := range rows {
		if err := r.validate(); err != nil {
			return err
		}
		rid := string(r.RevocationID)
		if _, ok := s.rows[r.TokenID]; ok {
			return ErrDuplicate
		}
		if _, ok := s.byRevocation[rid]; ok {
			return ErrDuplicate
		}
		if _, ok := seen[rid]; ok {
			return ErrDuplicate
		}
		if _, ok := seenIDs[r.TokenID]; ok {
			return ErrDuplicate
		}
		seen[rid] = struct{}{}
		seenIDs[r.TokenID] = struct{}{}
	}
	for _, r := range rows {
		r.RevocationID = append([]byte(nil), r.RevocationID...)
		s.rows[r.TokenID] = &r
		s.byRevocation[string(r.RevocationID)] = r.TokenID
	}
	return nil
}

func (s *InMemory) Live(ctx context.Context, revocationID []byte) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRevocation[string(revocationID)]
	if !ok {
		return Row{}, ErrNotFound
	}
	r := s.rows[id]
	if !s.live(r) {
		return Row{}, ErrNotFound
	}
	return *r, nil
}

func (s *InMemory) RevokeToken(ctx context.Context, tokenID uuid.UUID, kind iam.Kind) (int64, error) {
	return s.revoke(func(r *Row) bool { return r.TokenID == tokenID && r.Type == kind }), nil
}

func (s *InMemory) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) (int64, error) {
	return s.revoke(func(r *Row) bool {
		return r.UserID == userID && r.SessionID == sessionID && r.Type.Revocable()
	}), nil
}

func (s *InMemory) RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.revoke(func(r *Row) bool { return r.UserID == userID }), nil
}

func (s *InMemory) revoke(match func(*Row) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var n int64
	for _, r := range s.rows {
		if match(r) && s.live(r) {
			r.ExpiredAt = now
			n++
		}
	}
	return n
}

func (s *InMemory) live(r *Row) bool {
	return r.ExpiredAt.IsZero() || r.ExpiredAt.After(s.now())
}

// Snapshot is a point-in-time copy of an InMemory ledger.
type Snapshot struct {
	rows []Row
}

// Snapshot copies the current state so it can be restored when a
// surrounding transaction rolls back.
func (s *InMemory) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{rows: make([]Row, 0, len(s.rows))}
	for _, r := range s.rows {
		out.rows = append(out.rows, *r)
	}
	return out
}

// Restore replaces the state with a snapshot.
func (s *InMemory) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[uuid.UUID]*Row, len(snap.rows))
	s.byRevocation = make(map[string]uuid.UUID, len(snap.rows))
	for _, r := range snap.rows {
		s.rows[r.TokenID] = &r
		s.byRevocation[string(r.RevocationID)] = r.TokenID
	}
}

// Len returns the number of stored rows, live or not.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
