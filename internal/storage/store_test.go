package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "tierbot/pkg/logx"
)

type opener func(t *testing.T, dir string) Store

func drivers() map[string]opener {
	open := func(cfg Config) func(t *testing.T, dir string) Store {
		return func(t *testing.T, dir string) Store {
			t.Helper()
			c := cfg
			if c.Path != "" {
				c.Path = filepath.Join(dir, c.Path)
			}
			st, err := Open(c, logx.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", c.Driver, err)
			}
			return st
		}
	}
	m := map[string]opener{
		"file":   open(Config{Driver: "file", Path: "bot.json"}),
		"sqlite": open(Config{Driver: "sqlite", Path: "bot.db"}),
	}
	if dsn := os.Getenv("TIERBOT_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = open(Config{Driver: "postgres", DSN: dsn})
	}
	return m
}

func TestStoreRoundTripAndReopen(t *testing.T) {
	t.Parallel()
	for name, openFn := range drivers() {
		name, openFn := name, openFn
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			st := openFn(t, dir)

			end := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
			created := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
			for _, u := range []UserRecord{
				{ID: 3, CreatedAt: created},
				{ID: 1, CreatedAt: created, SubscriptionEnd: &end},
				{ID: 2, CreatedAt: created},
			} {
				if err := st.PutUser(ctx, u); err != nil {
					t.Fatalf("PutUser: %v", err)
				}
			}
			// upsert keeps position
			later := end.Add(24 * time.Hour)
			if err := st.PutUser(ctx, UserRecord{ID: 3, CreatedAt: created, SubscriptionEnd: &later}); err != nil {
				t.Fatalf("PutUser upsert: %v", err)
			}

			for _, c := range []ChatRecord{
				{ChatID: -100, Kind: "group", AddedAt: created},
				{ChatID: -200, Kind: "channel", AddedAt: created, AddedBy: 1},
				{ChatID: -300, Kind: "group", AddedAt: created},
			} {
				if err := st.PutChat(ctx, c); err != nil {
					t.Fatalf("PutChat: %v", err)
				}
			}
			if err := st.DeleteChat(ctx, -300); err != nil {
				t.Fatalf("DeleteChat: %v", err)
			}

			if err := st.PutJob(ctx, JobRecord{ID: "job-a", FireAt: end, Data: []byte(`{"a":1}`)}); err != nil {
				t.Fatalf("PutJob: %v", err)
			}
			if err := st.PutJob(ctx, JobRecord{ID: "job-b", FireAt: end, Data: []byte(`{"b":1}`)}); err != nil {
				t.Fatalf("PutJob: %v", err)
			}
			if err := st.DeleteJob(ctx, "job-a"); err != nil {
				t.Fatalf("DeleteJob: %v", err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Action: "broadcast", ActorID: 1, OK: 2}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}

			if name != "postgres" {
				if err := st.Close(); err != nil {
					t.Fatalf("Close: %v", err)
				}
				st = openFn(t, dir)
			}
			defer st.Close()

			users, err := st.LoadUsers(ctx)
			if err != nil {
				t.Fatalf("LoadUsers: %v", err)
			}
			if len(users) != 3 || users[0].ID != 3 || users[1].ID != 1 || users[2].ID != 2 {
				t.Fatalf("users order = %+v", users)
			}
			if users[0].SubscriptionEnd == nil || !users[0].SubscriptionEnd.Equal(later) {
				t.Fatalf("user 3 end = %v, want %v", users[0].SubscriptionEnd, later)
			}
			if users[2].SubscriptionEnd != nil {
				t.Fatalf("user 2 end = %v, want nil", users[2].SubscriptionEnd)
			}
			if !users[1].CreatedAt.Equal(created) {
				t.Fatalf("created_at = %v", users[1].CreatedAt)
			}

			chats, err := st.LoadChats(ctx)
			if err != nil {
				t.Fatalf("LoadChats: %v", err)
			}
			if len(chats) != 2 || chats[0].ChatID != -100 || chats[1].Kind != "channel" || chats[1].AddedBy != 1 {
				t.Fatalf("chats = %+v", chats)
			}

			jobs, err := st.LoadJobs(ctx)
			if err != nil {
				t.Fatalf("LoadJobs: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != "job-b" || string(jobs[0].Data) != `{"b":1}` || !jobs[0].FireAt.Equal(end) {
				t.Fatalf("jobs = %+v", jobs)
			}
		})
	}
}

func TestClaimBillOncePerCode(t *testing.T) {
	t.Parallel()
	for name, openFn := range drivers() {
		name, openFn := name, openFn
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			st := openFn(t, dir)
			code := fmt.Sprintf("bill-%d", time.Now().UnixNano())
			paid := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

			ok, err := st.ClaimBill(ctx, BillRecord{Code: code, UserID: 5, PaidAt: paid})
			if err != nil || !ok {
				t.Fatalf("first claim = %v, %v", ok, err)
			}
			if ok, err := st.ClaimBill(ctx, BillRecord{Code: code, UserID: 5, PaidAt: paid}); err != nil || ok {
				t.Fatalf("second claim = %v, %v", ok, err)
			}
			released := code + "-r"
			if ok, _ := st.ClaimBill(ctx, BillRecord{Code: released, UserID: 6, PaidAt: paid}); !ok {
				t.Fatal("claim of a fresh code refused")
			}
			if err := st.ReleaseBill(ctx, released); err != nil {
				t.Fatalf("ReleaseBill: %v", err)
			}

			if name != "postgres" {
				if err := st.Close(); err != nil {
					t.Fatalf("Close: %v", err)
				}
				st = openFn(t, dir)
			}
			defer st.Close()

			if ok, err := st.ClaimBill(ctx, BillRecord{Code: code, UserID: 5, PaidAt: paid}); err != nil || ok {
				t.Fatalf("claim after reopen = %v, %v", ok, err)
			}
			if ok, err := st.ClaimBill(ctx, BillRecord{Code: released, UserID: 6, PaidAt: paid}); err != nil || !ok {
				t.Fatalf("released code claim = %v, %v", ok, err)
			}
		})
	}
}

func TestFileStoreSurvivesTornJournalLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "bot.json")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.PutUser(ctx, UserRecord{ID: 7}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	// Simulate a crash: skip Close (no compaction) and append a partial line.
	fs := st.(*fileStore)
	defer fs.Close()
	if _, err := fs.journal.WriteString(`{"op":"put_user","user":{"id":`); err != nil {
		t.Fatalf("write: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	users, _ := st2.LoadUsers(ctx)
	if len(users) != 1 || users[0].ID != 7 {
		t.Fatalf("users = %+v", users)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	end := time.Now()
	_ = m.PutUser(ctx, UserRecord{ID: 1, SubscriptionEnd: &end})
	users, _ := m.LoadUsers(ctx)
	*users[0].SubscriptionEnd = end.Add(time.Hour)

	again, _ := m.LoadUsers(ctx)
	if !again[0].SubscriptionEnd.Equal(end) {
		t.Fatal("mutating a loaded record changed the store")
	}

	if ok, _ := m.ClaimBill(ctx, BillRecord{Code: "b1"}); !ok {
		t.Fatal("memory claim refused")
	}
	if ok, _ := m.ClaimBill(ctx, BillRecord{Code: "b1"}); ok {
		t.Fatal("memory claimed twice")
	}

	_ = m.AppendAudit(ctx, AuditEntry{Action: "grant"})
	if a := m.Audit(); len(a) != 1 || a[0].At.IsZero() {
		t.Fatalf("audit = %+v", a)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("default driver = %T, want *Memory", st)
	}
}

func TestDollarParams(t *testing.T) {
	t.Parallel()
	got := dollarParams(`INSERT INTO t(a, b) VALUES(?,?)`)
	if want := `INSERT INTO t(a, b) VALUES($1,$2)`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
