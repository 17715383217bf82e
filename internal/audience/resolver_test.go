package audience

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tierbot/internal/recipient"
	"tierbot/internal/storage"
	logx "tierbot/pkg/logx"
)

var t0 = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

type fakeAdmins struct {
	mu     sync.Mutex
	admins map[int64][]int64
	fail   map[int64]error
	delay  map[int64]time.Duration
	calls  atomic.Int32
}

func (f *fakeAdmins) ChatAdministrators(ctx context.Context, chatID int64) ([]int64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	d := f.delay[chatID]
	err := f.fail[chatID]
	ids := append([]int64(nil), f.admins[chatID]...)
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// universe builds users {1: P, 2: F, 3: P} plus the given chats.
func universe(t *testing.T, groups, channels []int64) *recipient.Store {
	t.Helper()
	ctx := context.Background()
	s := recipient.NewStore(storage.NewMemory(), logx.Nop())
	s.SetClock(func() time.Time { return t0 })
	_, _ = s.RecordPayment(ctx, 1, 30)
	_, _ = s.Register(ctx, 2)
	_, _ = s.RecordPayment(ctx, 3, 30)
	for _, id := range groups {
		_, _ = s.AddChat(ctx, id, recipient.KindGroup, 1)
	}
	for _, id := range channels {
		_, _ = s.AddChat(ctx, id, recipient.KindChannel, 1)
	}
	return s
}

func TestResolveUsersByTier(t *testing.T) {
	t.Parallel()
	r := NewResolver(universe(t, nil, nil), &fakeAdmins{}, Config{}, logx.Nop())
	tests := []struct {
		filter recipient.Filter
		want   []int64
	}{
		{filter: recipient.FilterPremium, want: []int64{1, 3}},
		{filter: recipient.FilterFreemium, want: []int64{2}},
		{filter: recipient.FilterAny, want: []int64{1, 2, 3}},
	}
	for _, tt := range tests {
		got := r.Resolve(context.Background(), tt.filter, ScopeUsers)
		if len(got) != 1 || got[0].Kind != recipient.KindUser || !reflect.DeepEqual(got[0].IDs, tt.want) {
			t.Fatalf("%v: got %+v, want %v", tt.filter, got, tt.want)
		}
	}
}

func TestResolveGroupsAnyAdminMatches(t *testing.T) {
	t.Parallel()
	admins := &fakeAdmins{admins: map[int64][]int64{
		-10: {2, 3},  // one premium admin
		-20: {2},     // freemium only
		-30: {99, 1}, // unknown + premium
		-40: {},      // no admins visible
	}}
	r := NewResolver(universe(t, []int64{-10, -20, -30, -40}, nil), admins, Config{}, logx.Nop())

	got := r.Resolve(context.Background(), recipient.FilterPremium, ScopeGroups)
	if want := []int64{-10, -30}; !reflect.DeepEqual(got[0].IDs, want) {
		t.Fatalf("premium groups = %v, want %v", got[0].IDs, want)
	}
	got = r.Resolve(context.Background(), recipient.FilterFreemium, ScopeGroups)
	if want := []int64{-10, -20, -30}; !reflect.DeepEqual(got[0].IDs, want) {
		t.Fatalf("freemium groups = %v, want %v", got[0].IDs, want)
	}
}

func TestResolveExcludesFailedLookups(t *testing.T) {
	t.Parallel()
	admins := &fakeAdmins{
		admins: map[int64][]int64{-10: {1}, -20: {1}, -30: {1}},
		fail:   map[int64]error{-20: errors.New("bot was kicked")},
		delay:  map[int64]time.Duration{-30: time.Second},
	}
	r := NewResolver(universe(t, []int64{-10, -20, -30}, nil), admins, Config{LookupTimeout: 20 * time.Millisecond}, logx.Nop())

	start := time.Now()
	got := r.Resolve(context.Background(), recipient.FilterPremium, ScopeGroups)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("stuck lookup stalled resolution for %v", elapsed)
	}
	if !reflect.DeepEqual(got[0].IDs, []int64{-10}) {
		t.Fatalf("ids = %v", got[0].IDs)
	}
	if got[0].LookupFailures != 2 {
		t.Fatalf("lookup failures = %d, want 2", got[0].LookupFailures)
	}
}

func TestResolveAllFailedIsEmptyNotError(t *testing.T) {
	t.Parallel()
	admins := &fakeAdmins{fail: map[int64]error{-10: errors.New("x"), -20: errors.New("y")}}
	r := NewResolver(universe(t, []int64{-10, -20}, nil), admins, Config{}, logx.Nop())
	got := r.Resolve(context.Background(), recipient.FilterPremium, ScopeGroups)
	if len(got) != 1 || len(got[0].IDs) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveIsStableAcrossCalls(t *testing.T) {
	t.Parallel()
	groups := []int64{-1, -2, -3, -4, -5, -6, -7, -8}
	admins := &fakeAdmins{admins: map[int64][]int64{}, delay: map[int64]time.Duration{}}
	for i, id := range groups {
		admins.admins[id] = []int64{1}
		// later chats answer first
		admins.delay[id] = time.Duration(len(groups)-i) * time.Millisecond
	}
	r := NewResolver(universe(t, groups, []int64{-100}), admins, Config{Concurrency: 4}, logx.Nop())
	admins.admins[-100] = []int64{3}

	a := r.Resolve(context.Background(), recipient.FilterPremium, ScopeAll)
	b := r.Resolve(context.Background(), recipient.FilterPremium, ScopeAll)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("resolutions differ:\n%+v\n%+v", a, b)
	}
	if len(a) != 3 || a[0].Kind != recipient.KindUser || a[1].Kind != recipient.KindGroup || a[2].Kind != recipient.KindChannel {
		t.Fatalf("kinds order = %+v", a)
	}
	if !reflect.DeepEqual(a[1].IDs, groups) {
		t.Fatalf("group order = %v, want %v", a[1].IDs, groups)
	}
	if Total(a) != 2+len(groups)+1 {
		t.Fatalf("total = %d", Total(a))
	}
}

func TestParseScope(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Scope{"user": ScopeUsers, "groups": ScopeGroups, "channel": ScopeChannels, "ALL": ScopeAll} {
		got, err := ParseScope(in)
		if err != nil || got != want {
			t.Fatalf("ParseScope(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseScope("everyone"); err == nil {
		t.Fatal("expected error")
	}
}
