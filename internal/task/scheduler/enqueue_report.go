package scheduler

import (
	"errors"
	"strconv"
	"time"

	"tierbot/internal/task/engine"
	logx "tierbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(id string, err error) {
	if err == nil {
		return
	}
	// The engine is going away; the job resumes after restart.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("job not submitted: engine stopped", logx.String("job_id", id), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	// Queue full can be bursty.
	s.log.Warn("job failed to enqueue; re-armed", logx.String("job_id", id), logx.Err(err))
}

func itoa36(v uint64) string { return strconv.FormatUint(v, 36) }
