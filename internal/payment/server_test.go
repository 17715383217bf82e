package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"tierbot/internal/eventbus"
	"tierbot/internal/storage"
	kit "tierbot/internal/transport"
	logx "tierbot/pkg/logx"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls map[int64]int
	err   error
}

func (f *fakeRecorder) RecordPayment(ctx context.Context, userID int64, days int) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	if f.calls == nil {
		f.calls = map[int64]int{}
	}
	f.calls[userID] += days
	return time.Now().Add(time.Duration(f.calls[userID]) * 24 * time.Hour), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs map[int64][]string
}

func (f *fakeNotifier) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = map[int64][]string{}
	}
	f.msgs[to.ChatID] = append(f.msgs[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func post(t *testing.T, h http.Handler, contentType, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payment/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCallbackPaidCreditsOnce(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	dm := &fakeNotifier{}
	audit := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(Config{Days: 30}, rec, dm, audit, bus, logx.Nop())

	body := `{"billcode":"b1","status":"1","order_id":"42_abc_premium_access"}`
	w := post(t, s.Handler(), "application/json", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	// Gateways retry callbacks; the bill must not be credited twice.
	w = post(t, s.Handler(), "application/json", body, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "duplicate") {
		t.Fatalf("replay = %d %s", w.Code, w.Body.String())
	}

	if rec.calls[42] != 30 {
		t.Fatalf("credited days = %d, want 30", rec.calls[42])
	}
	if got := dm.msgs[42]; len(got) != 1 || got[0] != msgPaid {
		t.Fatalf("dm = %q", got)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.PaymentRecorded || ev.Data.(Event).UserID != 42 {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no payment event")
	}
	if a := audit.Audit(); len(a) != 1 || a[0].Action != "payment" || a[0].OK != 1 {
		t.Fatalf("audit = %+v", a)
	}
}

func TestCallbackFailedStatusNotifies(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	dm := &fakeNotifier{}
	s := New(Config{}, rec, dm, nil, nil, logx.Nop())

	form := url.Values{"billcode": {"b2"}, "status": {"3"}, "order_id": {"7_x_y"}}
	w := post(t, s.Handler(), "application/x-www-form-urlencoded", form.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(rec.calls) != 0 {
		t.Fatal("failed payment must not be credited")
	}
	if got := dm.msgs[7]; len(got) != 1 || got[0] != msgFailed {
		t.Fatalf("dm = %q", got)
	}
}

func TestCallbackRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		body string
		hdr  map[string]string
		code int
	}{
		{name: "bad order id", body: `{"billcode":"b","status":"1","order_id":"abc_x"}`, code: http.StatusBadRequest},
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
		{name: "missing secret", cfg: Config{Secret: "s3"}, body: `{"status":"1","order_id":"1_a_b"}`, code: http.StatusUnauthorized},
		{name: "wrong secret", cfg: Config{Secret: "s3"}, body: `{"status":"1","order_id":"1_a_b"}`, hdr: map[string]string{"X-Callback-Token": "nope"}, code: http.StatusUnauthorized},
		{name: "right secret", cfg: Config{Secret: "s3"}, body: `{"status":"1","order_id":"1_a_b"}`, hdr: map[string]string{"X-Callback-Token": "s3"}, code: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(tt.cfg, &fakeRecorder{}, &fakeNotifier{}, nil, nil, logx.Nop())
			if w := post(t, s.Handler(), "application/json", tt.body, tt.hdr); w.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.code, w.Body.String())
			}
		})
	}
}

func TestCallbackStoreErrorAllowsRetry(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{err: errors.New("disk full")}
	s := New(Config{}, rec, &fakeNotifier{}, nil, nil, logx.Nop())
	body := `{"billcode":"b9","status":"1","order_id":"5_a_b"}`
	if w := post(t, s.Handler(), "application/json", body, nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	if w := post(t, s.Handler(), "application/json", body, nil); w.Code != http.StatusOK || strings.Contains(w.Body.String(), "duplicate") {
		t.Fatalf("retry = %d %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeRecorder{}, nil, nil, nil, logx.Nop())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCallbackDedupeSurvivesRestart(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	store := storage.NewMemory()
	body := `{"billcode":"b7","status":"1","order_id":"42_b7_premium"}`

	first := New(Config{Days: 30}, rec, &fakeNotifier{}, store, nil, logx.Nop())
	if w := post(t, first.Handler(), "application/json", body, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// A fresh server has an empty cache; the store must still refuse the bill.
	second := New(Config{Days: 30}, rec, &fakeNotifier{}, store, nil, logx.Nop())
	w := post(t, second.Handler(), "application/json", body, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "duplicate") {
		t.Fatalf("after restart = %d %s", w.Code, w.Body.String())
	}
	if rec.calls[42] != 30 {
		t.Fatalf("credited days = %d, want 30", rec.calls[42])
	}
}

func TestCallbackRecordErrorReleasesClaim(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{err: errors.New("disk full")}
	store := storage.NewMemory()
	s := New(Config{}, rec, &fakeNotifier{}, store, nil, logx.Nop())
	body := `{"billcode":"b8","status":"1","order_id":"5_b8_x"}`
	if w := post(t, s.Handler(), "application/json", body, nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	s.mu.Lock()
	cached, order := len(s.seen), len(s.order)
	s.mu.Unlock()
	if cached != 0 || order != 0 {
		t.Fatalf("cache after failure: seen=%d order=%d", cached, order)
	}

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	restarted := New(Config{}, rec, &fakeNotifier{}, store, nil, logx.Nop())
	if w := post(t, restarted.Handler(), "application/json", body, nil); w.Code != http.StatusOK || strings.Contains(w.Body.String(), "duplicate") {
		t.Fatalf("retry = %d %s", w.Code, w.Body.String())
	}
}

func TestForgetKeepsOrderInSync(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeRecorder{}, nil, nil, nil, logx.Nop())
	for _, b := range []string{"a", "b", "c"} {
		s.markSeen(b)
	}
	s.forget("b")
	s.forget("zz")
	if got := strings.Join(s.order, ","); got != "a,c" {
		t.Fatalf("order = %q", got)
	}
	if !s.markSeen("b") {
		t.Fatal("forgotten bill still marked")
	}
	if got := strings.Join(s.order, ","); got != "a,c,b" {
		t.Fatalf("order = %q", got)
	}
}
