// Package router turns Telegram updates into command invocations: it
// tokenizes the command line, checks access, and runs the handler on a
// bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "tierbot/internal/runtime/supervisor"
	kit "tierbot/internal/transport"
	logx "tierbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Timeout overrides the default per-command timeout when > 0.
	Timeout time.Duration
	Handle  HandlerFunc
}

// JoinHandler receives chat join requests.
type JoinHandler func(ctx context.Context, jr kit.JoinRequest)

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	ChatKind     kit.ChatKind
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string

	Adapter kit.Adapter
	Logger  logx.Logger
	IsOwner bool

	line string
	toks []token
}

// Rest returns the raw argument text starting at argument i, with the
// user's spacing and line breaks intact. A single trailing argument is
// returned unquoted.
func (r *Request) Rest(i int) string {
	if i < 0 || i >= len(r.toks) {
		return ""
	}
	if i == len(r.toks)-1 {
		return r.toks[i].val
	}
	return strings.TrimSpace(r.line[r.toks[i].start:])
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	owners []int64
	onJoin JoinHandler

	log     logx.Logger
	adapter kit.Adapter
	defTO   time.Duration
	// sups, when set, receives the router supervisor while the loop runs.
	sups *SupervisorRegistry

	runMu     sync.Mutex
	running   bool
	closeOnce sync.Once
	sup       *rtsup.Supervisor
	parent    *rtsup.Supervisor

	jobs chan func()
}

type Options struct {
	Owners         []int64
	DefaultTimeout time.Duration
	QueueSize      int
	Supervisors    *SupervisorRegistry
	// Parent runs background work such as the menu update. Optional.
	Parent *rtsup.Supervisor
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.DefaultTimeout <= 0 {
		opt.DefaultTimeout = 30 * time.Second
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  append([]int64(nil), opt.Owners...),
		log:     log,
		adapter: adapter,
		defTO:   opt.DefaultTimeout,
		sups:    opt.Supervisors,
		parent:  opt.Parent,
		jobs:    make(chan func(), opt.QueueSize),
	}
}

// Supervisor returns the dispatcher supervisor, or nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue reports false when the queue is full or already closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetParent makes background work such as the menu update run under sup.
func (m *CommandManager) SetParent(sup *rtsup.Supervisor) {
	m.mu.Lock()
	m.parent = sup
	m.mu.Unlock()
}

func (m *CommandManager) IsOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return isOwner(id, m.owners)
}

func (m *CommandManager) OnJoinRequest(h JoinHandler) {
	m.mu.Lock()
	m.onJoin = h
	m.mu.Unlock()
}

// SetRegistry installs cmds plus the built-in /help and publishes the
// command menu when the adapter supports it.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, req.IsOwner))
		},
	})

	byName := make(map[string]*Command, len(cmds))
	alias := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = &c
		list = append(list, c)
	}
	for _, c := range byName {
		for _, a := range c.Aliases {
			a = sanitizeCommand(a)
			if a == "" {
				continue
			}
			if _, taken := byName[a]; taken {
				continue
			}
			alias[a] = c
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenu(list)
	run := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	}
	m.mu.RLock()
	parent := m.parent
	m.mu.RUnlock()
	if parent != nil {
		parent.Go("telegram.menu.update", run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

func (m *CommandManager) lookup(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[name]; ok {
		return c
	}
	return m.alias[name]
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.sups.Set("telegram.router", sup)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		m.closeOnce.Do(func() { close(m.jobs) })
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.sups.Delete("telegram.router")
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			m.routeMessage(ctx, up)
		}
	case kit.UpdateJoinRequest:
		m.mu.RLock()
		h := m.onJoin
		m.mu.RUnlock()
		if h == nil || up.JoinRequest == nil {
			return
		}
		jr := *up.JoinRequest
		if !m.tryEnqueue(func() { h(ctx, jr) }) {
			m.log.Warn("join request dropped (queue full)", logx.Int64("chat_id", jr.ChatID), logx.Int64("user_id", jr.UserID))
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	line := strings.TrimSpace(msg.Text)
	name, toks, ok := splitCommand(line)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd := m.lookup(name)
	if cmd == nil {
		// Groups see commands meant for other bots; stay quiet there.
		if msg.ChatKind == kit.ChatPrivate {
			_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	owner := m.IsOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(ctx, chat, "You are not authorized to use this command.", nil)
		return
	}

	args := make([]string, len(toks))
	for i, t := range toks {
		args[i] = t.val
	}
	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		ChatKind:     msg.ChatKind,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Adapter:      m.adapter,
		IsOwner:      owner,
		line:         line,
		toks:         toks,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	to := cmd.Timeout
	if to <= 0 {
		to = m.defTO
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(to),
		MWReplyError(),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
