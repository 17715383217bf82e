// Package dispatch fans one message out to resolved recipients. Every
// recipient gets exactly one attempt; failures are collected, never retried.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tierbot/internal/audience"
	"tierbot/internal/recipient"
	"tierbot/internal/task/engine"
	kit "tierbot/internal/transport"
	logx "tierbot/pkg/logx"
)

// Sender is the transport capability the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Concurrency int
	SendTimeout time.Duration
	// RatePerSec paces sends across all broadcasts. 0 disables pacing.
	RatePerSec int
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RatePerSec > 0 && c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	return c
}

type Dispatcher struct {
	sender Sender
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(sender Sender, cfg Config, log logx.Logger) *Dispatcher {
	d := &Dispatcher{sender: sender, log: log}
	d.Apply(cfg)
	return d
}

// Apply swaps the config; in-flight sends keep the limiter they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

type recipientRef struct {
	kind recipient.Kind
	id   int64
}

// Send delivers text to every id of targets and returns once every attempt
// has finished. It does not mutate any state besides transport calls.
func (d *Dispatcher) Send(ctx context.Context, targets []audience.Target, text string) Report {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	var refs []recipientRef
	rep := Report{Kinds: map[recipient.Kind]KindStats{}}
	for _, t := range targets {
		rep.Kinds[t.Kind] = KindStats{}
		for _, id := range t.IDs {
			refs = append(refs, recipientRef{kind: t.Kind, id: id})
		}
	}
	if len(refs) == 0 {
		return rep
	}

	start := time.Now()
	errs := make([]error, len(refs))
	_ = engine.Fanout(ctx, cfg.Concurrency, len(refs), func(ctx context.Context, i int) error {
		errs[i] = d.sendOne(ctx, lim, cfg.SendTimeout, refs[i].id, text)
		return nil
	})

	for i, ref := range refs {
		ks := rep.Kinds[ref.kind]
		if err := errs[i]; err != nil {
			ks.Failed++
			rep.Failed = append(rep.Failed, Failure{Kind: ref.kind, ID: ref.id, Reason: err.Error()})
			d.log.Debug("send failed", logx.String("kind", string(ref.kind)), logx.Int64("chat_id", ref.id), logx.Err(err))
		} else {
			ks.Sent++
			rep.Sent++
		}
		rep.Kinds[ref.kind] = ks
	}

	fields := []logx.Field{
		logx.Int("total", len(refs)),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", len(rep.Failed)),
		logx.Duration("dur", time.Since(start)),
	}
	if len(rep.Failed) > 0 {
		d.log.Warn("dispatch finished with failures", fields...)
	} else {
		d.log.Info("dispatch finished", fields...)
	}
	return rep
}

func (d *Dispatcher) sendOne(ctx context.Context, lim *rate.Limiter, timeout time.Duration, chatID int64, text string) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := d.sender.SendText(sctx, kit.ChatTarget{ChatID: chatID}, text, nil)
	return err
}
