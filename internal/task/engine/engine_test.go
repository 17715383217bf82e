package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tierbot/internal/eventbus"
	logx "tierbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: %v", err)
	}

	if err := stopped.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}
	defer close(release)

	if err := s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error {
		close(started)
		return block(ctx)
	}}); err != nil {
		t.Fatalf("a: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: block}); err != nil {
		t.Fatalf("b: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("c: %v, want ErrQueueFull", err)
	}
	if snap := s.Snapshot(); snap.DroppedQueueFull != 1 {
		t.Fatalf("dropped = %d", snap.DroppedQueueFull)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})

	var calls atomic.Int32
	done := make(chan struct{})
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("again")
			}
			close(done)
			return nil
		},
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("calls = %d", calls.Load())
	}

	var permanent atomic.Int32
	finished := make(chan struct{})
	_ = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			defer func() {
				if permanent.Add(1) == 1 {
					close(finished)
				}
			}()
			return NoRetry(errors.New("bad payload"))
		},
	})
	<-finished
	time.Sleep(20 * time.Millisecond)
	if got := permanent.Load(); got != 1 {
		t.Fatalf("NoRetry task ran %d times", got)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("x") }})

	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		close(done)
		return nil
	}})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestStaleTaskCallsOnDrop(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: time.Millisecond})
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	dropped := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name:   "late",
		Run:    func(context.Context) error { t.Error("stale task ran"); return nil },
		OnDrop: func(err error) { dropped <- err },
	})
	time.Sleep(10 * time.Millisecond)
	close(release)

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrStale) {
			t.Fatalf("OnDrop err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDrop not called")
	}
}

func TestResizeHandsQueuedTasksBack(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	dropped := make(chan error, 1)
	if err := s.Enqueue(Task{
		Name:   "queued",
		Run:    func(context.Context) error { t.Error("queued task ran in the old pool"); return nil },
		OnDrop: func(err error) { dropped <- err },
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.Apply(context.Background(), Config{Enabled: true, Workers: 2, QueueSize: 4})

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrStopping) {
			t.Fatalf("OnDrop err = %v, want ErrStopping", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued task was discarded without OnDrop")
	}

	ran := make(chan struct{})
	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(ran); return nil }}); err != nil {
		t.Fatalf("Enqueue after resize: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("resized pool does not run tasks")
	}
	if snap := s.Snapshot(); snap.Workers != 2 {
		t.Fatalf("workers = %d, want 2", snap.Workers)
	}
}

func TestFanoutBoundsConcurrency(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		active  int
		peak    int
		visited = make([]bool, 20)
	)
	err := Fanout(context.Background(), 3, len(visited), func(ctx context.Context, i int) error {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		active--
		visited[i] = true
		mu.Unlock()
		if i == 7 {
			return errors.New("seven")
		}
		return nil
	})
	if err == nil || err.Error() != "seven" {
		t.Fatalf("err = %v", err)
	}
	if peak > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", peak)
	}
	for i, v := range visited {
		if !v {
			t.Fatalf("index %d not visited after a sibling failed", i)
		}
	}
}
