package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tierbot/internal/eventbus"
	rtsup "tierbot/internal/runtime/supervisor"
	"tierbot/internal/storage"
	"tierbot/internal/task/engine"
	logx "tierbot/pkg/logx"
)

// Config controls the scheduler. Execution settings live in engine.Config.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// RetryDelay re-arms a job whose submission to the engine failed.
	RetryDelay time.Duration
	// TaskTimeout bounds one job run. 0 uses the engine default.
	TaskTimeout time.Duration
}

type Kind int

const (
	OneShot Kind = iota
	Recurring
)

func (k Kind) String() string {
	if k == Recurring {
		return "recurring"
	}
	return "one_shot"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "one_shot", "oneshot", "":
		*k = OneShot
	case "recurring":
		*k = Recurring
	default:
		return fmt.Errorf("unknown job kind %q", string(b))
	}
	return nil
}

type State int

const (
	Pending State = iota
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// When is a parsed schedule. One-shots use At; recurring jobs use either
// Every or Cron.
type When struct {
	Kind   Kind          `json:"kind"`
	At     time.Time     `json:"at,omitempty"`
	Every  time.Duration `json:"every,omitempty"`
	Cron   string        `json:"cron,omitempty"`
	Source string        `json:"source,omitempty"`
}

// Trigger renders the schedule for listings.
func (w When) Trigger(loc *time.Location) string {
	switch {
	case w.Kind == OneShot:
		return "date[" + w.At.In(loc).Format("2006-01-02 15:04:05 MST") + "]"
	case w.Cron != "":
		return "cron[" + w.Cron + "]"
	default:
		return "interval[" + w.Every.String() + "]"
	}
}

// Job is one scheduled unit. Payload is opaque to the scheduler.
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	When      When      `json:"when"`
	Payload   []byte    `json:"payload"`
	FireAt    time.Time `json:"fire_at"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Runs      int       `json:"runs"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// Summary is the listing view of a job.
type Summary struct {
	ID      string
	Kind    Kind
	NextRun time.Time
	Trigger string
	Runs    int
	Running bool
}

// Runner executes a fired job. The job passed in carries the fire time
// that triggered it.
type Runner func(ctx context.Context, job Job) error

// JobStore persists jobs. Nil keeps jobs in memory only.
type JobStore interface {
	LoadJobs(ctx context.Context) ([]storage.JobRecord, error)
	PutJob(ctx context.Context, j storage.JobRecord) error
	DeleteJob(ctx context.Context, id string) error
}

// Executor accepts due jobs. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type Snapshot struct {
	Enabled  bool
	Started  bool
	Timezone string
	Jobs     []Summary
	InFlight int
}

type entry struct {
	job     Job
	sched   cron.Schedule // cron jobs only
	running bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	exec   Executor
	store  JobStore
	runner Runner
	parser cron.Parser
	now    func() time.Time

	jobs map[string]*entry
	used map[string]struct{}
	seq  uint64

	kick chan struct{}
	sup  *rtsup.Supervisor

	// Enqueue error throttling, keyed by job id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
