package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
)

// StoreConfig bounds the session store
type StoreConfig struct {
	MaxPerUser      int
	Expiry          time.Duration
	DefaultName     string
	NameMaxLength   int
	DefaultModel    string
	EvictionEnabled bool
}

// Store maintains all users' sessions. All state lives behind one mutex;
// no method holds the lock across process I/O.
type Store struct {
	mu     sync.RWMutex
	users  map[int64]*userSet
	config StoreConfig

	created int
	evicted int
	expired int

	now func() time.Time // swappable for tests
}

// NewStore creates a session store
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 10
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}
	if cfg.DefaultName == "" {
		cfg.DefaultName = "main"
	}
	if cfg.NameMaxLength <= 0 {
		cfg.NameMaxLength = 32
	}
	return &Store{
		users:  make(map[int64]*userSet),
		config: cfg,
		now:    time.Now,
	}
}

// validName checks the session name format
func (s *Store) validName(name string) bool {
	return name != "" && len(name) <= s.config.NameMaxLength && namePattern.MatchString(name)
}

// getUserLocked returns the user's set, creating it on first use
func (s *Store) getUserLocked(userID int64) *userSet {
	u, ok := s.users[userID]
	if !ok {
		u = &userSet{sessions: make(map[string]*Session), active: s.config.DefaultName}
		s.users[userID] = u
	}
	return u
}

// ResolveOrCreate returns the named session, creating it with an empty
// continuation token if needed. An empty name resolves the user's active
// session. The returned Session is a copy; mutate through store methods.
func (s *Store) ResolveOrCreate(userID int64, name string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	u := s.getUserLocked(userID)
	if name == "" {
		name = u.active
	}
	if !s.validName(name) {
		return Session{}, fmt.Errorf("%w: %q (must match [a-zA-Z0-9_-], max %d chars)",
			ErrInvalidName, name, s.config.NameMaxLength)
	}

	sess, ok := u.sessions[name]
	if !ok {
		if err := s.makeRoomLocked(userID, u, name); err != nil {
			return Session{}, err
		}
		now := s.now()
		sess = &Session{
			Name:      name,
			Owner:     userID,
			Model:     s.config.DefaultModel,
			CreatedAt: now,
			LastUsed:  now,
		}
		u.sessions[name] = sess
		s.created++
		L_info("session: created", "userID", userID, "name", name, "total", len(u.sessions))
	} else {
		sess.LastUsed = s.now()
	}

	u.active = name
	out := *sess
	out.Active = true
	return out, nil
}

// makeRoomLocked enforces the per-user capacity before an insertion.
// With eviction enabled the least-recently-used non-active session goes;
// otherwise the insertion fails.
func (s *Store) makeRoomLocked(userID int64, u *userSet, incoming string) error {
	for len(u.sessions) >= s.config.MaxPerUser {
		if !s.config.EvictionEnabled {
			return fmt.Errorf("%w: %d sessions (max %d)", ErrSessionLimit, len(u.sessions), s.config.MaxPerUser)
		}

		var lruName string
		var lruTime time.Time
		first := true
		for name, sess := range u.sessions {
			// Never evict the session being acted upon or the active one,
			// unless the active one is the only candidate left
			if name == incoming {
				continue
			}
			if name == u.active && len(u.sessions) > 1 {
				continue
			}
			if first || sess.LastUsed.Before(lruTime) {
				lruTime = sess.LastUsed
				lruName = name
				first = false
			}
		}
		if first {
			// Only the active session remains and it is not evictable
			return fmt.Errorf("%w: %d sessions (max %d)", ErrSessionLimit, len(u.sessions), s.config.MaxPerUser)
		}

		delete(u.sessions, lruName)
		s.evicted++
		L_info("session: evicted (LRU)", "userID", userID, "name", lruName, "reason", "max_sessions_exceeded")
	}
	return nil
}

// Create makes a new named session. An empty name auto-generates
// "session-N". Fails with ErrSessionExists if the name is taken.
func (s *Store) Create(userID int64, name string, setActive bool) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	u := s.getUserLocked(userID)

	if name == "" {
		for i := 1; ; i++ {
			candidate := fmt.Sprintf("session-%d", i)
			if _, taken := u.sessions[candidate]; !taken {
				name = candidate
				break
			}
		}
	}
	if !s.validName(name) {
		return Session{}, fmt.Errorf("%w: %q (must match [a-zA-Z0-9_-], max %d chars)",
			ErrInvalidName, name, s.config.NameMaxLength)
	}
	if _, taken := u.sessions[name]; taken {
		return Session{}, fmt.Errorf("%w: %q", ErrSessionExists, name)
	}

	if err := s.makeRoomLocked(userID, u, name); err != nil {
		return Session{}, err
	}

	now := s.now()
	sess := &Session{
		Name:      name,
		Owner:     userID,
		Model:     s.config.DefaultModel,
		CreatedAt: now,
		LastUsed:  now,
	}
	u.sessions[name] = sess
	s.created++
	if setActive {
		u.active = name
	}

	L_info("session: created", "userID", userID, "name", name, "total", len(u.sessions))
	out := *sess
	out.Active = u.active == name
	return out, nil
}

// UpdateAfterExecution records the continuation token handed back by the
// backend and refreshes recency. An invalid token is rejected without
// touching the session.
func (s *Store) UpdateAfterExecution(userID int64, name, token string) error {
	if !ValidToken(token) {
		L_warn("session: rejected invalid continuation token", "userID", userID, "name", name, "length", len(token))
		return fmt.Errorf("invalid continuation token for session %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrSessionNotFound
	}
	sess, ok := u.sessions[name]
	if !ok {
		// Session was deleted while the execution ran; drop the update
		return ErrSessionNotFound
	}

	sess.ContinuationToken = token
	sess.LastUsed = s.now()
	L_debug("session: updated", "userID", userID, "name", name)
	return nil
}

// ClearContinuation resets a session to a fresh conversation, keeping the
// name, model and recency
func (s *Store) ClearContinuation(userID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrSessionNotFound
	}
	if name == "" {
		name = u.active
	}
	sess, ok := u.sessions[name]
	if !ok {
		return ErrSessionNotFound
	}
	sess.ContinuationToken = ""
	return nil
}

// SetModel sets the execution profile for a session
func (s *Store) SetModel(userID int64, name, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrSessionNotFound
	}
	if name == "" {
		name = u.active
	}
	sess, ok := u.sessions[name]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Model = model
	L_info("session: model updated", "userID", userID, "name", name, "model", model)
	return nil
}

// Switch makes an existing session the user's active one
func (s *Store) Switch(userID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrSessionNotFound
	}
	sess, ok := u.sessions[name]
	if !ok {
		return ErrSessionNotFound
	}
	u.active = name
	sess.LastUsed = s.now()
	L_info("session: switched", "userID", userID, "name", name)
	return nil
}

// Delete removes a session by name. If it was active, the most recently
// used survivor becomes active.
func (s *Store) Delete(userID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrSessionNotFound
	}
	if _, ok := u.sessions[name]; !ok {
		return ErrSessionNotFound
	}
	delete(u.sessions, name)

	if u.active == name {
		u.active = s.mostRecentLocked(u)
	}

	L_info("session: deleted", "userID", userID, "name", name, "remaining", len(u.sessions))
	return nil
}

// mostRecentLocked returns the most recently used session name for a set,
// or the default name if the set is empty
func (s *Store) mostRecentLocked(u *userSet) string {
	best := ""
	var bestTime time.Time
	for name, sess := range u.sessions {
		if best == "" || sess.LastUsed.After(bestTime) {
			best = name
			bestTime = sess.LastUsed
		}
	}
	if best == "" {
		return s.config.DefaultName
	}
	return best
}

// ActiveName returns the user's active session name
func (s *Store) ActiveName(userID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[userID]; ok {
		return u.active
	}
	return s.config.DefaultName
}

// List returns copies of the user's sessions, most recently used first
func (s *Store) List(userID int64) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}

	out := make([]Session, 0, len(u.sessions))
	for name, sess := range u.sessions {
		c := *sess
		c.Active = name == u.active
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// EvictExpired removes sessions idle beyond the configured expiry.
// Invoked opportunistically before lookups and by the janitor sweep.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked()
}

func (s *Store) evictExpiredLocked() int {
	now := s.now()
	total := 0

	for userID, u := range s.users {
		activeExpired := false
		for name, sess := range u.sessions {
			if now.Sub(sess.LastUsed) > s.config.Expiry {
				delete(u.sessions, name)
				s.expired++
				total++
				if u.active == name {
					activeExpired = true
				}
				L_info("session: expired", "userID", userID, "name", name, "reason", "inactivity_timeout")
			}
		}
		if activeExpired {
			u.active = s.mostRecentLocked(u)
		}
	}
	return total
}

// Count returns the total number of sessions across all users
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, u := range s.users {
		total += len(u.sessions)
	}
	return total
}

// Stats returns store statistics for monitoring
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalUsers: len(s.users),
		Created:    s.created,
		Evicted:    s.evicted,
		Expired:    s.expired,
	}

	now := s.now()
	var oldest time.Time
	for _, u := range s.users {
		st.ActiveSessions += len(u.sessions)
		for _, sess := range u.sessions {
			if oldest.IsZero() || sess.LastUsed.Before(oldest) {
				oldest = sess.LastUsed
			}
		}
	}
	if !oldest.IsZero() {
		st.OldestAge = now.Sub(oldest)
	}
	return st
}
