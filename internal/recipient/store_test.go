package recipient

import (
	"context"
	"errors"
	"testing"
	"time"

	"tierbot/internal/storage"
	logx "tierbot/pkg/logx"
)

var t0 = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, repo storage.Store) (*Store, *time.Time) {
	t.Helper()
	if repo == nil {
		repo = storage.NewMemory()
	}
	now := t0
	s := NewStore(repo, logx.Nop())
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func TestTierOf(t *testing.T) {
	t.Parallel()
	past := t0.Add(-time.Nanosecond)
	future := t0.Add(time.Nanosecond)
	exact := t0
	tests := []struct {
		name string
		end  *time.Time
		want Tier
	}{
		{name: "no expiry", end: nil, want: Freemium},
		{name: "expired", end: &past, want: Freemium},
		{name: "expires exactly now", end: &exact, want: Freemium},
		{name: "active", end: &future, want: Premium},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TierOf(t0, tt.end); got != tt.want {
				t.Fatalf("TierOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterMatchAndParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		want     Filter
		premium  bool
		freemium bool
	}{
		{in: "premium", want: FilterPremium, premium: true},
		{in: "FREE", want: FilterFreemium, freemium: true},
		{in: "any", want: FilterAny, premium: true, freemium: true},
	}
	for _, tt := range tests {
		f, err := ParseFilter(tt.in)
		if err != nil || f != tt.want {
			t.Fatalf("ParseFilter(%q) = %v, %v", tt.in, f, err)
		}
		if f.Match(Premium) != tt.premium || f.Match(Freemium) != tt.freemium {
			t.Fatalf("%v match mismatch", f)
		}
	}
	if _, err := ParseFilter("gold"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestUnknownUserIsFreemium(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, nil)
	if got := s.Tier(404); got != Freemium {
		t.Fatalf("Tier = %v", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	created, err := s.Register(ctx, 1)
	if err != nil || !created {
		t.Fatalf("first Register = %v, %v", created, err)
	}
	created, err = s.Register(ctx, 1)
	if err != nil || created {
		t.Fatalf("second Register = %v, %v", created, err)
	}
	if n := len(s.Users()); n != 1 {
		t.Fatalf("users = %d", n)
	}
}

func TestRecordPaymentStacksAndIsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, now := newTestStore(t, nil)

	end, err := s.RecordPayment(ctx, 7, 30)
	if err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if want := t0.Add(30 * 24 * time.Hour); !end.Equal(want) {
		t.Fatalf("end = %v, want %v", end, want)
	}
	if s.Tier(7) != Premium {
		t.Fatal("user should be premium after payment")
	}

	// Renew while active: extends from current expiry, not from now.
	*now = t0.Add(10 * 24 * time.Hour)
	end2, _ := s.RecordPayment(ctx, 7, 30)
	if want := t0.Add(60 * 24 * time.Hour); !end2.Equal(want) {
		t.Fatalf("stacked end = %v, want %v", end2, want)
	}

	// Zero days never shortens.
	end3, _ := s.RecordPayment(ctx, 7, 0)
	if end3.Before(end2) {
		t.Fatalf("zero-day payment shortened %v -> %v", end2, end3)
	}

	// After expiry: restarts from now.
	*now = t0.Add(100 * 24 * time.Hour)
	end4, _ := s.RecordPayment(ctx, 7, 1)
	if want := now.Add(24 * time.Hour); !end4.Equal(want) {
		t.Fatalf("renew after expiry = %v, want %v", end4, want)
	}

	if _, err := s.RecordPayment(ctx, 7, -1); !errors.Is(err, ErrNegativeDays) {
		t.Fatalf("negative days err = %v", err)
	}
}

func TestChatsAreSetOnceAndOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	for _, c := range []struct {
		id   int64
		kind Kind
	}{{-3, KindGroup}, {-1, KindChannel}, {-2, KindGroup}} {
		if added, err := s.AddChat(ctx, c.id, c.kind, 9); err != nil || !added {
			t.Fatalf("AddChat(%d) = %v, %v", c.id, added, err)
		}
	}
	if added, _ := s.AddChat(ctx, -3, KindChannel, 9); added {
		t.Fatal("re-adding a chat should be a no-op")
	}
	if _, err := s.AddChat(ctx, -9, KindUser, 9); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("user kind err = %v", err)
	}

	groups := s.Groups()
	if len(groups) != 2 || groups[0].ChatID != -3 || groups[1].ChatID != -2 {
		t.Fatalf("groups = %+v", groups)
	}
	if ch := s.Channels(); len(ch) != 1 || ch[0].ChatID != -1 {
		t.Fatalf("channels = %+v", ch)
	}

	if removed, _ := s.RemoveChat(ctx, -3); !removed {
		t.Fatal("RemoveChat should report true")
	}
	if removed, _ := s.RemoveChat(ctx, -3); removed {
		t.Fatal("second RemoveChat should report false")
	}
}

func TestLoadRestoresFromRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := storage.NewMemory()
	s, _ := newTestStore(t, repo)
	_, _ = s.Register(ctx, 2)
	_, _ = s.RecordPayment(ctx, 1, 5)
	_, _ = s.AddChat(ctx, -100, KindGroup, 1)

	fresh, _ := newTestStore(t, repo)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	users := fresh.Users()
	if len(users) != 2 || users[0].ID != 2 || users[1].ID != 1 {
		t.Fatalf("users = %+v", users)
	}
	if fresh.Tier(1) != Premium || fresh.Tier(2) != Freemium {
		t.Fatal("tiers not restored")
	}
	if g := fresh.Groups(); len(g) != 1 || g[0].AddedBy != 1 {
		t.Fatalf("groups = %+v", g)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	_, _ = s.RecordPayment(ctx, 1, 1)

	u, _ := s.User(1)
	*u.SubscriptionEnd = t0.Add(-time.Hour)
	if s.Tier(1) != Premium {
		t.Fatal("caller mutation leaked into the store")
	}
}
