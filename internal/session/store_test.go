package session

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(maxPerUser int, expiry time.Duration, eviction bool) (*Store, *time.Time) {
	s := NewStore(StoreConfig{
		MaxPerUser:      maxPerUser,
		Expiry:          expiry,
		DefaultName:     "main",
		NameMaxLength:   32,
		DefaultModel:    "sonnet",
		EvictionEnabled: eviction,
	})
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestResolveOrCreateDefault(t *testing.T) {
	s, _ := newTestStore(10, time.Hour, true)

	sess, err := s.ResolveOrCreate(1, "")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if sess.Name != "main" {
		t.Errorf("default session name = %q, want main", sess.Name)
	}
	if sess.ContinuationToken != "" {
		t.Errorf("new session should have an empty continuation token")
	}
	if sess.Model != "sonnet" {
		t.Errorf("new session model = %q, want default", sess.Model)
	}
	if !sess.Active {
		t.Errorf("resolved session should be active")
	}
}

func TestResolveOrCreateReturnsExisting(t *testing.T) {
	s, now := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "work")
	if err := s.UpdateAfterExecution(1, "work", "abc-123"); err != nil {
		t.Fatalf("UpdateAfterExecution: %v", err)
	}

	*now = now.Add(time.Minute)
	sess, err := s.ResolveOrCreate(1, "work")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if sess.ContinuationToken != "abc-123" {
		t.Errorf("existing session lost its token, got %q", sess.ContinuationToken)
	}
	if s.Count() != 1 {
		t.Errorf("count = %d, want 1", s.Count())
	}
}

func TestInvalidNames(t *testing.T) {
	s, _ := newTestStore(10, time.Hour, true)

	for _, name := range []string{"has space", "semi;colon", "sla/sh", "x\x00y",
		"waaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaay-too-long-for-a-session-name"} {
		if _, err := s.ResolveOrCreate(1, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ResolveOrCreate(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestLRUEviction(t *testing.T) {
	s, now := newTestStore(10, time.Hour, true)

	// Create 10 sessions with strictly increasing recency
	for i := 1; i <= 10; i++ {
		if _, err := s.ResolveOrCreate(1, fmt.Sprintf("s%d", i)); err != nil {
			t.Fatalf("create s%d: %v", i, err)
		}
		*now = now.Add(time.Second)
	}

	// The 11th creation succeeds and the least-recently-used s1 is gone
	if _, err := s.ResolveOrCreate(1, "s11"); err != nil {
		t.Fatalf("11th create: %v", err)
	}

	list := s.List(1)
	if len(list) != 10 {
		t.Fatalf("list length = %d, want 10", len(list))
	}
	for _, sess := range list {
		if sess.Name == "s1" {
			t.Errorf("s1 should have been evicted")
		}
	}
	if list[0].Name != "s11" {
		t.Errorf("most recent = %q, want s11", list[0].Name)
	}
}

func TestEvictionDisabled(t *testing.T) {
	s, _ := newTestStore(2, time.Hour, false)

	s.ResolveOrCreate(1, "a")
	s.ResolveOrCreate(1, "b")
	_, err := s.ResolveOrCreate(1, "c")
	if !errors.Is(err, ErrSessionLimit) {
		t.Errorf("over-capacity err = %v, want ErrSessionLimit", err)
	}
	if s.Count() != 2 {
		t.Errorf("count = %d, want 2", s.Count())
	}
}

func TestEvictionSkipsActive(t *testing.T) {
	s, now := newTestStore(2, time.Hour, true)

	s.ResolveOrCreate(1, "old")
	*now = now.Add(time.Second)
	s.ResolveOrCreate(1, "active")
	*now = now.Add(time.Second)

	// "active" is the user's current session; creating a third must evict
	// "old" even though ordering alone would keep it ambiguous
	if err := s.Switch(1, "active"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	s.ResolveOrCreate(1, "new")

	for _, sess := range s.List(1) {
		if sess.Name == "old" {
			t.Errorf("expected old to be evicted")
		}
	}
}

func TestExpiry(t *testing.T) {
	s, now := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "stale")
	*now = now.Add(30 * time.Minute)
	s.ResolveOrCreate(1, "fresh")

	*now = now.Add(45 * time.Minute) // stale is now 75m idle, fresh 45m
	removed := s.EvictExpired()
	if removed != 1 {
		t.Errorf("EvictExpired removed %d, want 1", removed)
	}

	list := s.List(1)
	if len(list) != 1 || list[0].Name != "fresh" {
		t.Errorf("surviving sessions = %+v, want just fresh", list)
	}
}

func TestExpiredActiveFallsBack(t *testing.T) {
	s, now := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "a")
	*now = now.Add(30 * time.Minute)
	s.ResolveOrCreate(1, "b") // b is active now

	// Push past the expiry window so both sessions go
	*now = now.Add(2 * time.Hour)
	s.EvictExpired()

	// Everything expired; active falls back to the default
	if got := s.ActiveName(1); got != "main" {
		t.Errorf("active after full expiry = %q, want main", got)
	}
}

func TestUpdateAfterExecution(t *testing.T) {
	s, _ := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "work")

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid uuid-ish", "550e8400-e29b-41d4-a716-446655440000", false},
		{"valid plain", "abc_123", false},
		{"empty", "", true},
		{"shell metacharacters", "abc;rm -rf", true},
		{"too long", string(make([]byte, 300)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateAfterExecution(1, "work", tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("UpdateAfterExecution(%q) err = %v, wantErr %v", tt.token, err, tt.wantErr)
			}
		})
	}
}

func TestUpdateAfterExecutionDeletedSession(t *testing.T) {
	s, _ := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "gone")
	s.Delete(1, "gone")

	err := s.UpdateAfterExecution(1, "gone", "abc-123")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("update on deleted session err = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSwitchesActive(t *testing.T) {
	s, now := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "a")
	*now = now.Add(time.Second)
	s.ResolveOrCreate(1, "b")

	if err := s.Delete(1, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.ActiveName(1); got != "a" {
		t.Errorf("active after delete = %q, want a", got)
	}

	if err := s.Delete(1, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("delete missing err = %v, want ErrSessionNotFound", err)
	}
}

func TestSetModel(t *testing.T) {
	s, _ := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "work")
	if err := s.SetModel(1, "work", "opus"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	list := s.List(1)
	if list[0].Model != "opus" {
		t.Errorf("model = %q, want opus", list[0].Model)
	}

	if err := s.SetModel(1, "missing", "opus"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SetModel missing err = %v, want ErrSessionNotFound", err)
	}
}

func TestStats(t *testing.T) {
	s, now := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "a")
	*now = now.Add(10 * time.Minute)
	s.ResolveOrCreate(2, "b")

	st := s.Stats()
	if st.ActiveSessions != 2 || st.TotalUsers != 2 || st.Created != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.OldestAge != 10*time.Minute {
		t.Errorf("oldest age = %v, want 10m", st.OldestAge)
	}
}

func TestUsersIsolated(t *testing.T) {
	s, _ := newTestStore(10, time.Hour, true)

	s.ResolveOrCreate(1, "mine")
	s.ResolveOrCreate(2, "theirs")

	if got := s.List(1); len(got) != 1 || got[0].Name != "mine" {
		t.Errorf("user 1 list = %+v", got)
	}
	if err := s.Delete(1, "theirs"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("cross-user delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(StoreConfig{
		MaxPerUser:      5,
		Expiry:          time.Hour,
		DefaultName:     "main",
		NameMaxLength:   32,
		EvictionEnabled: true,
	})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(userID int64) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				name := fmt.Sprintf("s%d", j%7)
				s.ResolveOrCreate(userID, name)
				s.UpdateAfterExecution(userID, name, "tok-1")
				s.List(userID)
				s.Stats()
			}
		}(int64(i))
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	for i := int64(0); i < 8; i++ {
		if got := len(s.List(i)); got > 5 {
			t.Errorf("user %d has %d sessions, cap is 5", i, got)
		}
	}
}
