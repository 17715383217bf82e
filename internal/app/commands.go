package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tierbot/internal/audience"
	"tierbot/internal/broadcast"
	"tierbot/internal/recipient"
	"tierbot/internal/storage"
	kit "tierbot/internal/transport"
	"tierbot/internal/transport/telegram/router"
	logx "tierbot/pkg/logx"
)

// broadcastTimeout bounds an immediate broadcast run from a command.
const broadcastTimeout = 15 * time.Minute

var errUsage = errors.New("usage")

func usage(u string) error { return fmt.Errorf("%w: %s", errUsage, u) }

func (a *App) commands() []router.Command {
	cmds := []router.Command{
		{Name: "start", Description: "register with the bot", Handle: a.cmdStart},
		{Name: "tier", Description: "show your subscription tier", Handle: a.cmdTier},
		{
			Name: "list_scheduled", Aliases: []string{"jobs"}, Access: router.AccessOwnerOnly,
			Description: "list scheduled broadcasts", Handle: a.cmdListScheduled,
		},
		{
			Name: "cancel_schedule", Access: router.AccessOwnerOnly, Usage: "/cancel_schedule <job_id>",
			Description: "cancel a scheduled broadcast", Handle: a.cmdCancelSchedule,
		},
		{
			Name: "add_group", Access: router.AccessOwnerOnly, Usage: "/add_group [chat_id] (no id: this group)",
			Description: "register a group for broadcasts", Handle: a.cmdAddChat(recipient.KindGroup),
		},
		{
			Name: "add_channel", Access: router.AccessOwnerOnly, Usage: "/add_channel <chat_id>",
			Description: "register a channel for broadcasts", Handle: a.cmdAddChat(recipient.KindChannel),
		},
		{
			Name: "remove_chat", Access: router.AccessOwnerOnly, Usage: "/remove_chat <chat_id>",
			Description: "unregister a group or channel", Handle: a.cmdRemoveChat,
		},
		{Name: "chats", Access: router.AccessOwnerOnly, Description: "list registered groups and channels", Handle: a.cmdChats},
		{
			Name: "grant", Access: router.AccessOwnerOnly, Usage: "/grant <user_id> <days>",
			Description: "extend a user's premium subscription", Handle: a.cmdGrant,
		},
		{Name: "status", Access: router.AccessOwnerOnly, Description: "show runtime status", Handle: a.cmdStatus},
	}

	for _, sc := range []audience.Scope{audience.ScopeUsers, audience.ScopeGroups, audience.ScopeChannels, audience.ScopeAll} {
		name := scopeCommand(sc)
		cmds = append(cmds,
			router.Command{
				Name:        "broadcast_" + name,
				Access:      router.AccessOwnerOnly,
				Usage:       "/broadcast_" + name + " [tier:premium|freemium|any] [when] <text>",
				Description: "broadcast to " + scopeNoun(sc) + " now",
				Timeout:     broadcastTimeout,
				Handle:      a.cmdBroadcast(sc, false),
			},
			router.Command{
				Name:        "schedule_" + name,
				Access:      router.AccessOwnerOnly,
				Usage:       "/schedule_" + name + " [tier:...] <now:H|at:ISO|every:H|cron:expr> <text>",
				Description: "schedule a broadcast to " + scopeNoun(sc),
				Handle:      a.cmdBroadcast(sc, true),
			},
		)
	}
	return cmds
}

func scopeCommand(s audience.Scope) string {
	switch s {
	case audience.ScopeGroups:
		return "group"
	case audience.ScopeChannels:
		return "channel"
	case audience.ScopeAll:
		return "all"
	default:
		return "user"
	}
}

func scopeNoun(s audience.Scope) string {
	switch s {
	case audience.ScopeGroups:
		return "groups"
	case audience.ScopeChannels:
		return "channels"
	case audience.ScopeAll:
		return "everyone"
	default:
		return "users"
	}
}

func actor(req *router.Request) broadcast.Actor {
	return broadcast.Actor{ID: req.FromID, Username: req.FromUsername, ChatID: req.Chat.ChatID}
}

func (a *App) cmdStart(ctx context.Context, req *router.Request) error {
	if req.ChatKind != kit.ChatPrivate {
		return req.Reply(ctx, "Send /start to me in a private chat to register.")
	}
	created, err := a.recipients.Register(ctx, req.FromID)
	if err != nil {
		req.Logger.Error("register failed", logx.Err(err))
		return errors.New("could not register you right now, please try again later")
	}
	if created {
		req.Logger.Info("user registered")
	}
	return req.Reply(ctx, "Welcome! You are registered on the "+a.recipients.Tier(req.FromID).String()+" tier.\nType /help to see what I can do.")
}

func (a *App) cmdTier(ctx context.Context, req *router.Request) error {
	u, ok := a.recipients.User(req.FromID)
	if !ok {
		return req.Reply(ctx, "You are not registered yet. Send /start first.")
	}
	now := a.recipients.Now()
	tier := recipient.TierOf(now, u.SubscriptionEnd)
	if tier == recipient.Premium {
		return req.Reply(ctx, fmt.Sprintf("Your tier: premium (until %s).", u.SubscriptionEnd.In(a.sched.Location()).Format("2006-01-02 15:04 MST")))
	}
	if u.SubscriptionEnd != nil {
		return req.Reply(ctx, fmt.Sprintf("Your tier: freemium (premium expired %s).", u.SubscriptionEnd.In(a.sched.Location()).Format("2006-01-02 15:04 MST")))
	}
	return req.Reply(ctx, "Your tier: freemium.")
}

// cmdBroadcast serves /broadcast_* and /schedule_*. A broadcast command
// that carries a schedule token is scheduled too.
func (a *App) cmdBroadcast(scope audience.Scope, mustSchedule bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		args, err := broadcast.ParseArgs(req.Args, a.orch.DefaultFilter())
		if err != nil {
			return err
		}
		r := broadcast.Request{Filter: args.Filter, Scope: scope, Text: req.Rest(args.Head), By: actor(req)}

		if mustSchedule || args.When != "" {
			sum, err := a.orch.Schedule(ctx, r, args.When)
			if err != nil {
				return a.requestError(req, err)
			}
			return req.Reply(ctx, broadcast.ScheduledText(r, sum))
		}

		res, err := a.orch.Broadcast(ctx, r)
		if err != nil {
			return a.requestError(req, err)
		}
		return req.Reply(context.WithoutCancel(ctx), res.Summary())
	}
}

// requestError keeps validation messages and hides internal ones.
func (a *App) requestError(req *router.Request, err error) error {
	if broadcast.IsValidation(err) {
		return err
	}
	req.Logger.Error("broadcast request failed", logx.Err(err))
	return errors.New("internal error, see logs")
}

func (a *App) cmdListScheduled(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, broadcast.ListText(a.orch.List()))
}

func (a *App) cmdCancelSchedule(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage("/cancel_schedule <job_id>")
	}
	id := req.Args[0]
	return req.Reply(ctx, broadcast.CancelText(id, a.orch.Cancel(ctx, actor(req), id)))
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

func (a *App) cmdAddChat(kind recipient.Kind) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		var chatID int64
		switch {
		case len(req.Args) == 1:
			id, err := parseChatID(req.Args[0])
			if err != nil {
				return err
			}
			chatID = id
		case len(req.Args) == 0 && kind == recipient.KindGroup && req.ChatKind == kit.ChatGroup:
			chatID = req.Chat.ChatID
		case kind == recipient.KindGroup:
			return usage("/add_group [chat_id] (no id: run it inside the group)")
		default:
			return usage("/add_channel <chat_id>")
		}

		added, err := a.recipients.AddChat(ctx, chatID, kind, req.FromID)
		if err != nil {
			req.Logger.Error("add chat failed", logx.Int64("target", chatID), logx.Err(err))
			return errors.New("could not save the chat, see logs")
		}
		a.auditAction(ctx, req, "add_"+string(kind), strconv.FormatInt(chatID, 10), "")
		if !added {
			return req.Reply(ctx, fmt.Sprintf("%s %d is already registered.", capitalize(string(kind)), chatID))
		}
		return req.Reply(ctx, fmt.Sprintf("%s %d added.", capitalize(string(kind)), chatID))
	}
}

func (a *App) cmdRemoveChat(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage("/remove_chat <chat_id>")
	}
	chatID, err := parseChatID(req.Args[0])
	if err != nil {
		return err
	}
	removed, err := a.recipients.RemoveChat(ctx, chatID)
	if err != nil {
		req.Logger.Error("remove chat failed", logx.Int64("target", chatID), logx.Err(err))
		return errors.New("could not remove the chat, see logs")
	}
	if !removed {
		return req.Reply(ctx, fmt.Sprintf("Chat %d is not registered.", chatID))
	}
	a.auditAction(ctx, req, "remove_chat", strconv.FormatInt(chatID, 10), "")
	return req.Reply(ctx, fmt.Sprintf("Chat %d removed.", chatID))
}

func (a *App) cmdChats(ctx context.Context, req *router.Request) error {
	groups, channels := a.recipients.Groups(), a.recipients.Channels()
	if len(groups)+len(channels) == 0 {
		return req.Reply(ctx, "No groups or channels registered.")
	}
	var b strings.Builder
	section := func(title string, refs []recipient.ChatRef) {
		fmt.Fprintf(&b, "%s (%d):\n", title, len(refs))
		for _, r := range refs {
			fmt.Fprintf(&b, "- %d (added %s)\n", r.ChatID, r.AddedAt.Format("2006-01-02"))
		}
	}
	section("Groups", groups)
	section("Channels", channels)
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (a *App) cmdGrant(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usage("/grant <user_id> <days>")
	}
	userID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id %q", req.Args[0])
	}
	days, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return fmt.Errorf("invalid days %q", req.Args[1])
	}
	until, err := a.recipients.RecordPayment(ctx, userID, days)
	if errors.Is(err, recipient.ErrNegativeDays) {
		return err
	}
	if err != nil {
		req.Logger.Error("grant failed", logx.Int64("user_id", userID), logx.Err(err))
		return errors.New("could not record the grant, see logs")
	}
	a.auditAction(ctx, req, "grant", strconv.FormatInt(userID, 10), fmt.Sprintf(`{"days":%d}`, days))
	return req.Reply(ctx, fmt.Sprintf("User %d is premium until %s.", userID, until.In(a.sched.Location()).Format("2006-01-02 15:04 MST")))
}

func (a *App) cmdStatus(ctx context.Context, req *router.Request) error {
	ss := a.sched.Snapshot()
	es := a.engine.Snapshot()
	lines := []string{
		fmt.Sprintf("Users: %d, groups: %d, channels: %d", len(a.recipients.Users()), len(a.recipients.Groups()), len(a.recipients.Channels())),
		fmt.Sprintf("Scheduler: enabled=%t started=%t tz=%s jobs=%d in_flight=%d", ss.Enabled, ss.Started, ss.Timezone, len(ss.Jobs), ss.InFlight),
		fmt.Sprintf("Task engine: workers=%d queue=%d/%d in_flight=%d dropped=%d", es.Workers, es.QueueLen, es.QueueCap, es.InFlight, es.Dropped),
	}
	for _, s := range a.sups.Status() {
		line := fmt.Sprintf("- %s: active=%d started=%d", s.Name, s.Counters.Active, s.Counters.Started)
		if s.Err != nil {
			line += " err=" + s.Err.Error()
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (a *App) auditAction(ctx context.Context, req *router.Request, action, target, meta string) {
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		MetaJSON:      meta,
	}
	if err := a.repo.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		req.Logger.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
