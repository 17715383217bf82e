package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "tierbot/internal/transport"
	logx "tierbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	menu []kit.BotCommand
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                        { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) ChatAdministrators(ctx context.Context, chatID int64) ([]int64, error) {
	return nil, nil
}

func (f *fakeAdapter) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) menuSnapshot() []kit.BotCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.BotCommand(nil), f.menu...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func msg(from int64, kind kit.ChatKind, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, ChatKind: kind, FromID: from, Text: text}}
}

func startRouter(t *testing.T, ad *fakeAdapter, cmds []Command) (*CommandManager, chan kit.Update) {
	t.Helper()
	m := NewCommandManager(logx.Nop(), ad, Options{Owners: []int64{1}})
	m.SetRegistry(cmds)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, updates
}

func TestDispatchAccessAndArgs(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	var mu sync.Mutex
	var got []string
	_, updates := startRouter(t, ad, []Command{
		{Name: "echo", Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			got = append(got, req.Rest(0))
			mu.Unlock()
			return nil
		}},
		{Name: "secret", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "owner ok")
		}},
		{Name: "boom", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			return errors.New("message is empty")
		}},
	})

	updates <- msg(7, kit.ChatPrivate, "/echo a  b")
	updates <- msg(7, kit.ChatPrivate, "/secret")
	updates <- msg(1, kit.ChatPrivate, "/secret")
	updates <- msg(1, kit.ChatPrivate, "/boom")
	updates <- msg(7, kit.ChatPrivate, "/nope")
	updates <- msg(7, kit.ChatGroup, "/nope")
	updates <- msg(7, kit.ChatPrivate, "not a command")

	waitFor(t, "replies", func() bool { return len(ad.messages()) >= 4 })
	waitFor(t, "echo", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if got[0] != "a  b" {
		t.Fatalf("echo args = %q", got[0])
	}
	joined := strings.Join(ad.messages(), "|")
	for _, want := range []string{"not authorized", "owner ok", "Error: message is empty", "Unknown command"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("replies %q missing %q", joined, want)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := strings.Count(strings.Join(ad.messages(), "|"), "Unknown command"); n != 1 {
		t.Fatalf("unknown command replies = %d, want 1 (groups stay quiet)", n)
	}
}

func TestJoinRequestsReachHandler(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m, updates := startRouter(t, ad, nil)
	seen := make(chan kit.JoinRequest, 1)
	m.OnJoinRequest(func(ctx context.Context, jr kit.JoinRequest) { seen <- jr })

	updates <- kit.Update{Kind: kit.UpdateJoinRequest, JoinRequest: &kit.JoinRequest{ChatID: -100, UserID: 5}}
	select {
	case jr := <-seen:
		if jr.ChatID != -100 || jr.UserID != 5 {
			t.Fatalf("join request = %+v", jr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join handler not called")
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, Options{Owners: []int64{1}})
	m.SetRegistry([]Command{
		{Name: "tier", Description: "show your tier", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "grant", Description: "grant premium", Access: AccessOwnerOnly, Usage: "/grant <user_id> <days>", Handle: func(context.Context, *Request) error { return nil }},
	})

	public := m.helpText(nil, false)
	if !strings.Contains(public, "/tier - show your tier") || strings.Contains(public, "/grant") {
		t.Fatalf("public help = %q", public)
	}
	admin := m.helpText(nil, true)
	if !strings.Contains(admin, "Admin:") || !strings.Contains(admin, "/grant") {
		t.Fatalf("admin help = %q", admin)
	}
	if got := m.helpText([]string{"grant"}, false); !strings.Contains(got, "Unknown command") {
		t.Fatalf("detail for non-owner = %q", got)
	}
	if got := m.helpText([]string{"/grant"}, true); !strings.Contains(got, "Usage: /grant <user_id> <days>") {
		t.Fatalf("detail = %q", got)
	}

	waitFor(t, "menu update", func() bool { return len(ad.menuSnapshot()) == 3 })
	menu := ad.menuSnapshot()
	if menu[len(menu)-1].Command != "grant" || !strings.HasPrefix(menu[len(menu)-1].Description, "[admin]") {
		t.Fatalf("menu = %+v", menu)
	}
}
