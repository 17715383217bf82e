// Package recipient owns the broadcast universe: users with their
// subscription expiry and the registered groups and channels.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tierbot/internal/storage"
	logx "tierbot/pkg/logx"
)

var (
	ErrNegativeDays = errors.New("payment duration must be >= 0 days")
	ErrInvalidKind  = errors.New("chat kind must be group or channel")
)

type User struct {
	ID              int64
	SubscriptionEnd *time.Time
	CreatedAt       time.Time
}

// ChatRef is a registered group or channel.
type ChatRef struct {
	ChatID  int64
	Kind    Kind
	AddedAt time.Time
	AddedBy int64
}

// Store is the only mutator of recipient records. Reads return copies.
// Every mutation is written through to the repository before it becomes
// visible.
type Store struct {
	repo storage.Store
	log  logx.Logger
	now  func() time.Time

	mu        sync.RWMutex
	users     map[int64]User
	userOrder []int64
	chats     map[int64]ChatRef
	chatOrder []int64
}

func NewStore(repo storage.Store, log logx.Logger) *Store {
	if repo == nil {
		repo = storage.NewMemory()
	}
	return &Store{
		repo:  repo,
		log:   log,
		now:   time.Now,
		users: map[int64]User{},
		chats: map[int64]ChatRef{},
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Load replaces the in-memory universe with the repository contents.
func (s *Store) Load(ctx context.Context) error {
	users, err := s.repo.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	chats, err := s.repo.LoadChats(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[int64]User, len(users))
	s.userOrder = s.userOrder[:0]
	for _, r := range users {
		if _, dup := s.users[r.ID]; !dup {
			s.userOrder = append(s.userOrder, r.ID)
		}
		s.users[r.ID] = User{ID: r.ID, SubscriptionEnd: copyTime(r.SubscriptionEnd), CreatedAt: r.CreatedAt}
	}
	s.chats = make(map[int64]ChatRef, len(chats))
	s.chatOrder = s.chatOrder[:0]
	skipped := 0
	for _, r := range chats {
		k, err := ParseKind(r.Kind)
		if err != nil || k == KindUser {
			skipped++
			continue
		}
		if _, dup := s.chats[r.ChatID]; !dup {
			s.chatOrder = append(s.chatOrder, r.ChatID)
		}
		s.chats[r.ChatID] = ChatRef{ChatID: r.ChatID, Kind: k, AddedAt: r.AddedAt, AddedBy: r.AddedBy}
	}
	if skipped > 0 {
		s.log.Warn("skipped chats with unknown kind", logx.Int("count", skipped))
	}
	s.log.Info("recipients loaded", logx.Int("users", len(s.users)), logx.Int("chats", len(s.chats)))
	return nil
}

// Tier returns the current tier of a user. Unknown users are Freemium.
func (s *Store) Tier(userID int64) Tier {
	s.mu.RLock()
	now := s.now()
	s.mu.RUnlock()
	return s.TierAt(userID, now)
}

func (s *Store) TierAt(userID int64, now time.Time) Tier {
	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return Freemium
	}
	return TierOf(now, u.SubscriptionEnd)
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Register creates the user on first interaction. Repeat calls are no-ops.
func (s *Store) Register(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; ok {
		return false, nil
	}
	u := User{ID: userID, CreatedAt: s.now()}
	if err := s.repo.PutUser(ctx, toRecord(u)); err != nil {
		return false, fmt.Errorf("persist user %d: %w", userID, err)
	}
	s.users[userID] = u
	s.userOrder = append(s.userOrder, userID)
	return true, nil
}

func (s *Store) User(userID int64) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, false
	}
	u.SubscriptionEnd = copyTime(u.SubscriptionEnd)
	return u, true
}

// Users lists every user in registration order.
func (s *Store) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		u := s.users[id]
		u.SubscriptionEnd = copyTime(u.SubscriptionEnd)
		out = append(out, u)
	}
	return out
}

// RecordPayment extends the subscription by days, starting from the later of
// now and the current expiry, so stacked renewals never shorten it. The
// user is created if absent.
func (s *Store) RecordPayment(ctx context.Context, userID int64, days int) (time.Time, error) {
	if days < 0 {
		return time.Time{}, ErrNegativeDays
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u, existed := s.users[userID]
	if !existed {
		u = User{ID: userID, CreatedAt: now}
	}
	start := now
	if u.SubscriptionEnd != nil && u.SubscriptionEnd.After(start) {
		start = *u.SubscriptionEnd
	}
	end := start.Add(time.Duration(days) * 24 * time.Hour)
	u.SubscriptionEnd = &end

	if err := s.repo.PutUser(ctx, toRecord(u)); err != nil {
		return time.Time{}, fmt.Errorf("persist payment for %d: %w", userID, err)
	}
	s.users[userID] = u
	if !existed {
		s.userOrder = append(s.userOrder, userID)
	}
	s.log.Info("payment recorded", logx.Int64("user_id", userID), logx.Int("days", days), logx.Time("until", end))
	return end, nil
}

// AddChat registers a group or channel. Registration is set-once: an
// existing chat is left untouched and false is returned.
func (s *Store) AddChat(ctx context.Context, chatID int64, kind Kind, addedBy int64) (bool, error) {
	if kind != KindGroup && kind != KindChannel {
		return false, ErrInvalidKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; ok {
		return false, nil
	}
	c := ChatRef{ChatID: chatID, Kind: kind, AddedAt: s.now(), AddedBy: addedBy}
	rec := storage.ChatRecord{ChatID: c.ChatID, Kind: string(c.Kind), AddedAt: c.AddedAt, AddedBy: c.AddedBy}
	if err := s.repo.PutChat(ctx, rec); err != nil {
		return false, fmt.Errorf("persist chat %d: %w", chatID, err)
	}
	s.chats[chatID] = c
	s.chatOrder = append(s.chatOrder, chatID)
	return true, nil
}

// RemoveChat drops a registered chat. It reports whether the chat existed.
func (s *Store) RemoveChat(ctx context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return false, nil
	}
	if err := s.repo.DeleteChat(ctx, chatID); err != nil {
		return false, fmt.Errorf("delete chat %d: %w", chatID, err)
	}
	delete(s.chats, chatID)
	for i, id := range s.chatOrder {
		if id == chatID {
			s.chatOrder = append(s.chatOrder[:i], s.chatOrder[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *Store) Groups() []ChatRef   { return s.chatsOf(KindGroup) }
func (s *Store) Channels() []ChatRef { return s.chatsOf(KindChannel) }

func (s *Store) chatsOf(kind Kind) []ChatRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChatRef
	for _, id := range s.chatOrder {
		if c := s.chats[id]; c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func toRecord(u User) storage.UserRecord {
	return storage.UserRecord{ID: u.ID, SubscriptionEnd: copyTime(u.SubscriptionEnd), CreatedAt: u.CreatedAt}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
