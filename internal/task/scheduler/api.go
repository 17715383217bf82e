package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"tierbot/internal/storage"
	logx "tierbot/pkg/logx"
)

var errNoRunner = errors.New("scheduler has no runner")

// Schedule registers a job under a fresh id. It returns an ErrInvalidWhen
// error when w cannot fire.
func (s *Service) Schedule(ctx context.Context, w When, payload []byte) (Summary, error) {
	var sched cron.Schedule
	switch {
	case w.Kind == OneShot:
		if w.At.IsZero() {
			return Summary{}, fmt.Errorf("%w: fire time required", ErrInvalidWhen)
		}
	case w.Cron != "":
		p, err := s.parser.Parse(w.Cron)
		if err != nil {
			return Summary{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidWhen, w.Cron, err)
		}
		sched = p
	case w.Every <= 0:
		return Summary{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidWhen)
	}

	s.mu.Lock()
	now := s.now()
	fireAt := firstFire(w, sched, now, s.loc)
	if fireAt.IsZero() {
		s.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidWhen, w.Cron)
	}
	j := Job{
		ID:        s.newIDLocked(now),
		Kind:      w.Kind,
		When:      w,
		Payload:   append([]byte(nil), payload...),
		FireAt:    fireAt,
		State:     Pending,
		CreatedAt: now,
	}
	e := &entry{job: j, sched: sched}
	s.jobs[j.ID] = e
	s.persistCtxLocked(ctx, j)
	sum := s.summaryLocked(e)
	s.mu.Unlock()

	s.log.Info("job scheduled",
		logx.String("job_id", j.ID),
		logx.String("kind", j.Kind.String()),
		logx.Time("fire_at", j.FireAt),
		logx.String("trigger", sum.Trigger),
	)
	s.wake()
	return sum, nil
}

// List returns every job that can still fire, earliest first.
func (s *Service) List() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.jobs))
	for _, e := range s.jobs {
		if e.job.State != Pending {
			continue
		}
		out = append(out, s.summaryLocked(e))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of a pending job.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	j := e.job
	j.Payload = append([]byte(nil), e.job.Payload...)
	return j, true
}

// Cancel removes a job so it never fires again. It reports false for an
// unknown id and for a one-shot that is already running, since that firing
// can no longer be stopped. A running recurring job finishes its current
// run and is not re-armed.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.job.State != Pending {
		s.mu.Unlock()
		return false
	}
	if e.running && e.job.Kind == OneShot {
		s.mu.Unlock()
		return false
	}
	e.job.State = Cancelled
	delete(s.jobs, id)
	s.deleteCtxLocked(ctx, id)
	s.mu.Unlock()

	s.enqMu.Lock()
	delete(s.lastEnqWarn, id)
	s.enqMu.Unlock()

	s.log.Info("job cancelled", logx.String("job_id", id))
	s.wake()
	return true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Started:  s.sup != nil,
		Timezone: s.loc.String(),
	}
	for _, e := range s.jobs {
		if e.running {
			snap.InFlight++
		}
	}
	s.mu.Unlock()
	snap.Jobs = s.List()
	return snap
}

func (s *Service) summaryLocked(e *entry) Summary {
	return Summary{
		ID:      e.job.ID,
		Kind:    e.job.Kind,
		NextRun: e.job.FireAt.In(s.loc),
		Trigger: e.job.When.Trigger(s.loc),
		Runs:    e.job.Runs,
		Running: e.running,
	}
}

func (s *Service) persistLocked(j Job) { s.persistCtxLocked(context.Background(), j) }

// Writes outlive the caller's cancellation so the table and the store agree.
func (s *Service) persistCtxLocked(ctx context.Context, j Job) {
	if s.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	rec, err := encodeJob(j)
	if err == nil {
		err = s.store.PutJob(pctx, rec)
	}
	if err != nil {
		s.log.Error("persist job failed", logx.String("job_id", j.ID), logx.Err(err))
	}
}

func (s *Service) deleteLocked(id string) { s.deleteCtxLocked(context.Background(), id) }

func (s *Service) deleteCtxLocked(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.DeleteJob(pctx, id); err != nil {
		s.log.Error("delete job failed", logx.String("job_id", id), logx.Err(err))
	}
}

func encodeJob(j Job) (storage.JobRecord, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return storage.JobRecord{}, err
	}
	return storage.JobRecord{ID: j.ID, FireAt: j.FireAt, Data: b}, nil
}

func decodeJob(rec storage.JobRecord) (Job, error) {
	var j Job
	if err := json.Unmarshal(rec.Data, &j); err != nil {
		return Job{}, err
	}
	if j.ID == "" {
		j.ID = rec.ID
	}
	if j.ID != rec.ID {
		return Job{}, fmt.Errorf("record id %q does not match job id %q", rec.ID, j.ID)
	}
	if j.FireAt.IsZero() {
		j.FireAt = rec.FireAt
	}
	if j.FireAt.IsZero() {
		return Job{}, errors.New("job has no fire time")
	}
	if j.Kind == Recurring && j.When.Cron == "" && j.When.Every <= 0 {
		return Job{}, errors.New("recurring job has no interval")
	}
	return j, nil
}

// newIDLocked returns an id not used by any job of this process, restored
// jobs included.
func (s *Service) newIDLocked(now time.Time) string {
	for {
		s.seq++
		id := "job-" + itoa36(uint64(now.UnixMilli())) + "-" + itoa36(s.seq)
		if _, taken := s.used[id]; !taken {
			s.used[id] = struct{}{}
			return id
		}
	}
}
