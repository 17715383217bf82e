// Package broadcast validates operator broadcast requests and drives them
// through resolution and delivery, immediately or through the scheduler.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tierbot/internal/audience"
	"tierbot/internal/dispatch"
	"tierbot/internal/eventbus"
	"tierbot/internal/recipient"
	"tierbot/internal/storage"
	"tierbot/internal/task/scheduler"
	logx "tierbot/pkg/logx"
)

// MaxTextLen is the Telegram message length limit, in characters.
const MaxTextLen = 4096

// Actor identifies who issued a request.
type Actor struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
}

type Request struct {
	Filter recipient.Filter `json:"filter"`
	Scope  audience.Scope   `json:"scope"`
	Text   string           `json:"text"`
	By     Actor            `json:"by"`
}

type Resolver interface {
	Resolve(ctx context.Context, filter recipient.Filter, scope audience.Scope) []audience.Target
}

type Dispatcher interface {
	Send(ctx context.Context, targets []audience.Target, text string) dispatch.Report
}

type Scheduler interface {
	Schedule(ctx context.Context, w scheduler.When, payload []byte) (scheduler.Summary, error)
	List() []scheduler.Summary
	Cancel(ctx context.Context, id string) bool
	Location() *time.Location
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Clock is satisfied by *recipient.Store, so tier decisions and schedule
// parsing share one notion of now.
type Clock interface {
	Now() time.Time
}

type Deps struct {
	Store      Clock
	Resolver   Resolver
	Dispatcher Dispatcher
	Scheduler  Scheduler
	Audit      Auditor
	Bus        eventbus.Bus
	Logger     logx.Logger
}

type Config struct {
	DefaultFilter recipient.Filter
}

type Orchestrator struct {
	d   Deps
	log logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(d Deps, cfg Config) *Orchestrator {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{d: d, cfg: cfg, log: log}
}

func (o *Orchestrator) DefaultFilter() recipient.Filter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg.DefaultFilter
}

// Apply swaps the config; requests already parsed keep their filter.
func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) now() time.Time {
	if o.d.Store != nil {
		return o.d.Store.Now()
	}
	return time.Now()
}

func validate(req *Request) error {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return invalid(ErrEmptyMessage, "")
	}
	if n := utf8.RuneCountInString(req.Text); n > MaxTextLen {
		return invalid(ErrMessageTooLong, fmt.Sprintf("%d characters, limit is %d", n, MaxTextLen))
	}
	return nil
}

// Broadcast resolves and delivers req now. Delivery failures are reported
// in the Result; only validation problems return an error.
func (o *Orchestrator) Broadcast(ctx context.Context, req Request) (Result, error) {
	if err := validate(&req); err != nil {
		return Result{}, err
	}
	res := o.deliver(ctx, req)
	o.audit(ctx, req.By, "broadcast", req, res, "")
	o.publish(eventbus.BroadcastDispatched, res)
	return res, nil
}

func (o *Orchestrator) deliver(ctx context.Context, req Request) Result {
	start := time.Now()
	targets := o.d.Resolver.Resolve(ctx, req.Filter, req.Scope)
	rep := o.d.Dispatcher.Send(ctx, targets, req.Text)
	res := Result{Request: req, Targets: targets, Report: rep, Took: time.Since(start)}
	o.log.Info("broadcast delivered",
		logx.String("scope", req.Scope.String()),
		logx.String("tier", req.Filter.String()),
		logx.Int("recipients", audience.Total(targets)),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", len(rep.Failed)),
		logx.Int("lookup_failures", res.LookupFailures()),
		logx.Duration("took", res.Took),
	)
	return res
}

// Schedule registers req to fire at whenRaw. The audience is resolved again
// at every firing.
func (o *Orchestrator) Schedule(ctx context.Context, req Request, whenRaw string) (scheduler.Summary, error) {
	if err := validate(&req); err != nil {
		return scheduler.Summary{}, err
	}
	if strings.TrimSpace(whenRaw) == "" {
		return scheduler.Summary{}, invalid(ErrInvalidSchedule, "a schedule is required, e.g. now:0, at:2024-09-01T12:00:00 or every:2")
	}
	w, err := scheduler.ParseWhen(whenRaw, o.now(), o.d.Scheduler.Location())
	if err != nil {
		return scheduler.Summary{}, invalid(ErrInvalidSchedule, strings.TrimPrefix(err.Error(), scheduler.ErrInvalidWhen.Error()+": "))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("encode broadcast payload: %w", err)
	}
	sum, err := o.d.Scheduler.Schedule(ctx, w, payload)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidWhen) {
			return scheduler.Summary{}, invalid(ErrInvalidSchedule, err.Error())
		}
		return scheduler.Summary{}, err
	}
	o.auditEntry(ctx, storage.AuditEntry{
		ActorID:       req.By.ID,
		ActorUsername: req.By.Username,
		ChatID:        req.By.ChatID,
		Action:        "schedule",
		Target:        sum.ID,
		MetaJSON:      metaJSON(map[string]any{"scope": req.Scope, "tier": req.Filter, "trigger": sum.Trigger}),
	})
	o.publishData(eventbus.BroadcastScheduled, sum)
	return sum, nil
}

func (o *Orchestrator) List() []scheduler.Summary { return o.d.Scheduler.List() }

// Cancel reports whether the job existed and will not fire again.
func (o *Orchestrator) Cancel(ctx context.Context, by Actor, id string) bool {
	id = strings.TrimSpace(id)
	ok := id != "" && o.d.Scheduler.Cancel(ctx, id)
	e := storage.AuditEntry{ActorID: by.ID, ActorUsername: by.Username, ChatID: by.ChatID, Action: "cancel", Target: id}
	if !ok {
		e.Error = "not found or already running"
	}
	o.auditEntry(ctx, e)
	if ok {
		o.publishData(eventbus.BroadcastCancelled, id)
	}
	return ok
}

// Run is the scheduler runner for broadcast jobs.
func (o *Orchestrator) Run(ctx context.Context, job scheduler.Job) error {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("decode broadcast job %s: %w", job.ID, err)
	}
	res := o.deliver(ctx, req)
	res.JobID = job.ID
	o.audit(ctx, req.By, "fire", req, res, job.ID)
	o.publish(eventbus.BroadcastFired, res)
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, by Actor, action string, req Request, res Result, target string) {
	if target == "" {
		target = req.Scope.String()
	}
	o.auditEntry(ctx, storage.AuditEntry{
		ActorID:       by.ID,
		ActorUsername: by.Username,
		ChatID:        by.ChatID,
		Action:        action,
		Target:        target,
		OK:            res.Report.Sent,
		Fail:          len(res.Report.Failed),
		TookMS:        res.Took.Milliseconds(),
		MetaJSON:      metaJSON(map[string]any{"scope": req.Scope, "tier": req.Filter, "lookup_failures": res.LookupFailures()}),
	})
}

func (o *Orchestrator) auditEntry(ctx context.Context, e storage.AuditEntry) {
	if o.d.Audit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := o.d.Audit.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (o *Orchestrator) publish(typ string, res Result) {
	o.publishData(typ, Event{
		JobID:          res.JobID,
		Scope:          res.Request.Scope,
		Filter:         res.Request.Filter,
		Sent:           res.Report.Sent,
		Failed:         len(res.Report.Failed),
		LookupFailures: res.LookupFailures(),
		Took:           res.Took,
	})
}

func (o *Orchestrator) publishData(typ string, data any) {
	if o.d.Bus != nil {
		o.d.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Event is the bus payload of dispatched and fired broadcasts.
type Event struct {
	JobID          string           `json:"job_id,omitempty"`
	Scope          audience.Scope   `json:"scope"`
	Filter         recipient.Filter `json:"tier"`
	Sent           int              `json:"sent"`
	Failed         int              `json:"failed"`
	LookupFailures int              `json:"lookup_failures,omitempty"`
	Took           time.Duration    `json:"took"`
}

func metaJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
