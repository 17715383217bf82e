package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tierbot/internal/eventbus"
	rtsup "tierbot/internal/runtime/supervisor"
	"tierbot/internal/task/engine"
	logx "tierbot/pkg/logx"
)

const (
	defaultRetryDelay = time.Second
	idleWait          = time.Hour
	persistTimeout    = 5 * time.Second
)

func New(cfg Config, exec Executor, store JobStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		exec:        exec,
		store:       store,
		parser:      cronParser,
		now:         time.Now,
		jobs:        map[string]*entry{},
		used:        map[string]struct{}{},
		kick:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// SetRunner installs the function executed for every fired job. Call it
// before Start.
func (s *Service) SetRunner(r Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone used for datetimes and cron expressions.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if strings.TrimSpace(cfg.Timezone) != oldTZ {
		s.loc = s.loadLocationLocked()
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()
	s.wake()
}

// Start restores persisted jobs and starts the timer loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	if !cur.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return
	}
	if s.runner == nil {
		s.log.Warn("scheduler started without a runner; fired jobs will fail")
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	restored := s.restore(ctx)

	sup.GoRestart("scheduler.loop", s.loop, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	s.log.Info("service started", logx.String("tz", s.Location().String()), logx.Int("restored", restored))
}

// Stop stops the timer loop. Runs already in the engine finish on their own;
// persisted jobs resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler stop incomplete", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		due, next := s.takeDue()
		for _, j := range due {
			s.submit(j)
		}

		wait := idleWait
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
		case <-timer.C:
		}
	}
}

// takeDue marks every due job as running and returns copies of them, plus
// the earliest fire time among the jobs left waiting.
func (s *Service) takeDue() ([]Job, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []Job
	var next time.Time
	for _, e := range s.jobs {
		if e.running || e.job.State != Pending {
			continue
		}
		if !e.job.FireAt.After(now) {
			e.running = true
			due = append(due, e.job)
			continue
		}
		if next.IsZero() || e.job.FireAt.Before(next) {
			next = e.job.FireAt
		}
	}
	return due, next
}

func (s *Service) submit(j Job) {
	s.mu.Lock()
	timeout := s.cfg.TaskTimeout
	s.mu.Unlock()

	if s.exec == nil {
		s.rearm(j.ID, engine.ErrStopped)
		return
	}
	err := s.exec.Enqueue(engine.Task{
		ID:      j.ID + "-" + itoa36(uint64(j.Runs+1)),
		Name:    "scheduled:" + j.ID,
		Timeout: timeout,
		Run:     s.runFunc(j),
		OnDrop:  func(err error) { s.rearm(j.ID, err) },
	})
	if err != nil {
		s.reportEnqueueError(j.ID, err)
		s.rearm(j.ID, err)
	}
}

func (s *Service) runFunc(j Job) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		s.mu.Lock()
		runner := s.runner
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("job_id", j.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
			s.finish(j.ID, err)
			// A broadcast must never be delivered twice.
			if err != nil {
				err = engine.NoRetry(err)
			}
		}()
		if runner == nil {
			return errNoRunner
		}
		err = runner(ctx, j)
		// An interrupted run still counts as a run; replaying it would
		// deliver twice to the recipients it already reached.
		if err == nil && ctx.Err() != nil {
			err = fmt.Errorf("run interrupted: %w", ctx.Err())
		}
		return err
	}
}

// rearm puts a job back to waiting after its submission failed.
func (s *Service) rearm(id string, cause error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || !e.running {
		s.mu.Unlock()
		return
	}
	delay := s.cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	e.running = false
	e.job.FireAt = s.now().Add(delay)
	s.persistLocked(e.job)
	s.mu.Unlock()

	s.log.Debug("job re-armed", logx.String("job_id", id), logx.Duration("delay", delay), logx.Err(cause))
	s.wake()
}

// finish records a completed run. One-shots leave the table; recurring jobs
// get their next fire time computed from the fire time that just ran.
func (s *Service) finish(id string, runErr error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		// Cancelled while running.
		s.mu.Unlock()
		return
	}
	now := s.now()
	prev := e.job.FireAt
	e.running = false
	e.job.Runs++
	e.job.LastRunAt = now

	if e.job.Kind == OneShot {
		e.job.State = Fired
		delete(s.jobs, id)
		s.deleteLocked(id)
		s.mu.Unlock()
		s.logFinished(id, runErr)
		return
	}

	next := nextFire(e.job.When, e.sched, prev, now, s.loc)
	if next.IsZero() {
		e.job.State = Fired
		delete(s.jobs, id)
		s.deleteLocked(id)
		s.mu.Unlock()
		s.log.Warn("recurring job has no further fire time", logx.String("job_id", id))
		return
	}
	e.job.FireAt = next
	s.persistLocked(e.job)
	s.mu.Unlock()

	s.logFinished(id, runErr)
	s.wake()
}

func (s *Service) logFinished(id string, err error) {
	if err != nil {
		s.log.Warn("job run failed", logx.String("job_id", id), logx.Err(err))
		return
	}
	s.log.Debug("job run finished", logx.String("job_id", id))
}

// restore loads persisted jobs. Jobs already in the table win.
func (s *Service) restore(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	recs, err := s.store.LoadJobs(ctx)
	if err != nil {
		s.log.Error("load jobs failed", logx.Err(err))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range recs {
		j, err := decodeJob(rec)
		if err != nil {
			s.log.Warn("skipping unreadable job", logx.String("job_id", rec.ID), logx.Err(err))
			continue
		}
		if _, exists := s.jobs[j.ID]; exists {
			continue
		}
		var sched cron.Schedule
		if j.When.Cron != "" {
			sched, err = s.parser.Parse(j.When.Cron)
			if err != nil {
				s.log.Warn("skipping job with bad cron", logx.String("job_id", j.ID), logx.String("cron", j.When.Cron), logx.Err(err))
				continue
			}
		}
		j.State = Pending
		s.jobs[j.ID] = &entry{job: j, sched: sched}
		s.used[j.ID] = struct{}{}
		n++
	}
	return n
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}
