package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/iam"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func row(kind iam.Kind, user, session uuid.UUID, exp time.Time) Row {
	id := uuid.New()
	return Row{
		TokenID:      id,
		Type:         kind,
		RevocationID: append([]byte("rid-"), id[:]...),
		ExpiredAt:    exp,
		UserID:       user,
		SessionID:    session,
	}
}

func TestInMemoryLiveness(t *testing.T) {
	c := newClock()
	s := NewInMemory(c.Now)
	ctx := context.Background()
	user, session := uuid.New(), uuid.New()
	access := row(iam.KindUserAccess, user, session, c.Now().Add(5*time.Minute))
	refresh := row(iam.KindRefresh, user, session, c.Now().Add(30*time.Minute))

	if err := s.Insert(ctx, access, refresh); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := s.Live(ctx, access.RevocationID)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if got.TokenID != access.TokenID || got.SessionID != session {
		t.Fatalf("unexpected row: %+v", got)
	}

	c.Advance(5 * time.Minute)
	if _, err := s.Live(ctx, access.RevocationID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected naturally expired access row to be gone, got %v", err)
	}
	if _, err := s.Live(ctx, refresh.RevocationID); err != nil {
		t.Fatalf("expected refresh row live, got %v", err)
	}
	if _, err := s.Live(ctx, []byte("unknown")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryRevokeTokenIdempotent(t *testing.T) {
	c := newClock()
	s := NewInMemory(c.Now)
	ctx := context.Background()
	r := row(iam.KindRefresh, uuid.New(), uuid.New(), c.Now().Add(time.Hour))
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if n, err := s.RevokeToken(ctx, r.TokenID, iam.KindUserAccess); err != nil || n != 0 {
		t.Fatalf("revoke with wrong type: n=%d err=%v", n, err)
	}
	if n, err := s.RevokeToken(ctx, r.TokenID, iam.KindRefresh); err != nil || n != 1 {
		t.Fatalf("first revoke: n=%d err=%v", n, err)
	}
	before := s.Snapshot()
	if n, err := s.RevokeToken(ctx, r.TokenID, iam.KindRefresh); err != nil || n != 0 {
		t.Fatalf("second revoke: n=%d err=%v", n, err)
	}
	after := s.Snapshot()
	if len(before.rows) != 1 || !before.rows[0].ExpiredAt.Equal(after.rows[0].ExpiredAt) {
		t.Fatalf("second revoke changed state: %+v -> %+v", before.rows, after.rows)
	}
	if _, err := s.Live(ctx, r.RevocationID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected revoked row to fail liveness, got %v", err)
	}
}

func TestInMemoryRevokeSessionScope(t *testing.T) {
	c := newClock()
	s := NewInMemory(c.Now)
	ctx := context.Background()
	user := uuid.New()
	s1, s2 := uuid.New(), uuid.New()
	exp := c.Now().Add(time.Hour)
	a1, r1 := row(iam.KindUserAccess, user, s1, exp), row(iam.KindRefresh, user, s1, exp)
	a2 := row(iam.KindUserAccess, user, s2, exp)
	other := row(iam.KindUserAccess, uuid.New(), s1, exp)
	if err := s.Insert(ctx, a1, r1, a2, other); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := s.RevokeSession(ctx, user, s1)
	if err != nil || n != 2 {
		t.Fatalf("RevokeSession: n=%d err=%v", n, err)
	}
	for _, gone := range []Row{a1, r1} {
		if _, err := s.Live(ctx, gone.RevocationID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s to be revoked, got %v", gone.TokenID, err)
		}
	}
	for _, kept := range []Row{a2, other} {
		if _, err := s.Live(ctx, kept.RevocationID); err != nil {
			t.Fatalf("expected %s to stay live, got %v", kept.TokenID, err)
		}
	}

	if n, err := s.RevokeUser(ctx, user); err != nil || n != 1 {
		t.Fatalf("RevokeUser: n=%d err=%v", n, err)
	}
}

func TestInMemoryInsertRejects(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	user, session := uuid.New(), uuid.New()
	exp := time.Now().Add(time.Hour)

	workflow := row(iam.KindEmailVerification, user, session, exp)
	if err := s.Insert(ctx, workflow); !errors.Is(err, ErrNotRevocable) {
		t.Fatalf("expected ErrNotRevocable, got %v", err)
	}

	a := row(iam.KindUserAccess, user, session, exp)
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := row(iam.KindRefresh, user, session, exp)
	dup.RevocationID = a.RevocationID
	if err := s.Insert(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for reused revocation id, got %v", err)
	}

	good := row(iam.KindRefresh, user, session, exp)
	bad := row(iam.KindRefresh, user, session, exp)
	bad.TokenID = uuid.Nil
	if err := s.Insert(ctx, good, bad); !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("expected ErrInvalidRow, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected failed batch to leave no rows, have %d", s.Len())
	}
}

func TestInMemorySnapshotRestore(t *testing.T) {
	c := newClock()
	s := NewInMemory(c.Now)
	ctx := context.Background()
	r := row(iam.KindRefresh, uuid.New(), uuid.New(), c.Now().Add(time.Hour))
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	snap := s.Snapshot()
	if _, err := s.RevokeToken(ctx, r.TokenID, iam.KindRefresh); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := s.Insert(ctx, row(iam.KindUserAccess, r.UserID, r.SessionID, c.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Restore(snap)
	if s.Len() != 1 {
		t.Fatalf("expected restored ledger to hold 1 row, have %d", s.Len())
	}
	if _, err := s.Live(ctx, r.RevocationID); err != nil {
		t.Fatalf("expected revocation to be rolled back, got %v", err)
	}
}

func TestInMemoryConcurrentRevoke(t *testing.T) {
	c := newClock()
	s := NewInMemory(c.Now)
	ctx := context.Background()
	r := row(iam.KindRefresh, uuid.New(), uuid.New(), c.Now().Add(time.Hour))
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := s.RevokeToken(ctx, r.TokenID, iam.KindRefresh)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("expected exactly one winning revoke, got %d", total)
	}
}
