// Package audience turns a tier filter and a scope into concrete recipient
// lists. Group and channel eligibility is decided from their administrators,
// fetched live on every resolution.
package audience

import (
	"context"
	"sync"
	"time"

	"tierbot/internal/recipient"
	"tierbot/internal/task/engine"
	logx "tierbot/pkg/logx"
)

// Target is the resolved recipient list for one entity kind. IDs are
// de-duplicated and keep store listing order.
type Target struct {
	Kind recipient.Kind
	IDs  []int64
	// LookupFailures counts chats excluded because their admin lookup failed.
	LookupFailures int
}

// AdminLister fetches the administrator user ids of a chat.
type AdminLister interface {
	ChatAdministrators(ctx context.Context, chatID int64) ([]int64, error)
}

// Directory is the read side of the recipient store.
type Directory interface {
	Users() []recipient.User
	Groups() []recipient.ChatRef
	Channels() []recipient.ChatRef
	TierAt(userID int64, now time.Time) recipient.Tier
	Now() time.Time
}

type Config struct {
	// Concurrency bounds admin lookups in flight per resolution.
	Concurrency int
	// LookupTimeout bounds each admin lookup on its own.
	LookupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
	return c
}

type Resolver struct {
	dir    Directory
	admins AdminLister
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewResolver(dir Directory, admins AdminLister, cfg Config, log logx.Logger) *Resolver {
	return &Resolver{dir: dir, admins: admins, cfg: cfg.withDefaults(), log: log}
}

func (r *Resolver) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Resolver) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Resolve returns one Target per kind of scope, in the order user, group,
// channel. It never fails: unreachable chats are left out and counted.
func (r *Resolver) Resolve(ctx context.Context, filter recipient.Filter, scope Scope) []Target {
	now := r.dir.Now()
	kinds := scope.Kinds()
	out := make([]Target, 0, len(kinds))
	for _, k := range kinds {
		switch k {
		case recipient.KindUser:
			out = append(out, r.resolveUsers(filter, now))
		case recipient.KindGroup:
			out = append(out, r.resolveChats(ctx, k, r.dir.Groups(), filter, now))
		case recipient.KindChannel:
			out = append(out, r.resolveChats(ctx, k, r.dir.Channels(), filter, now))
		}
	}
	return out
}

func (r *Resolver) resolveUsers(filter recipient.Filter, now time.Time) Target {
	t := Target{Kind: recipient.KindUser}
	seen := map[int64]struct{}{}
	for _, u := range r.dir.Users() {
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		if filter.Match(recipient.TierOf(now, u.SubscriptionEnd)) {
			t.IDs = append(t.IDs, u.ID)
		}
	}
	return t
}

type lookupResult struct {
	ok  bool
	err error
}

func (r *Resolver) resolveChats(ctx context.Context, kind recipient.Kind, chats []recipient.ChatRef, filter recipient.Filter, now time.Time) Target {
	t := Target{Kind: kind}
	if len(chats) == 0 {
		return t
	}
	cfg := r.config()
	results := make([]lookupResult, len(chats))

	// Each index is written by exactly one goroutine.
	_ = engine.Fanout(ctx, cfg.Concurrency, len(chats), func(ctx context.Context, i int) error {
		lctx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
		defer cancel()
		admins, err := r.admins.ChatAdministrators(lctx, chats[i].ChatID)
		if err != nil {
			results[i] = lookupResult{err: err}
			return nil
		}
		for _, id := range admins {
			if filter.Match(r.dir.TierAt(id, now)) {
				results[i] = lookupResult{ok: true}
				break
			}
		}
		return nil
	})

	seen := map[int64]struct{}{}
	for i, c := range chats {
		res := results[i]
		if res.err != nil {
			t.LookupFailures++
			r.log.Warn("admin lookup failed; chat excluded",
				logx.String("kind", string(kind)),
				logx.Int64("chat_id", c.ChatID),
				logx.Err(res.err),
			)
			continue
		}
		if !res.ok {
			continue
		}
		if _, dup := seen[c.ChatID]; dup {
			continue
		}
		seen[c.ChatID] = struct{}{}
		t.IDs = append(t.IDs, c.ChatID)
	}
	return t
}

// Total counts the recipients across targets.
func Total(targets []Target) int {
	n := 0
	for _, t := range targets {
		n += len(t.IDs)
	}
	return n
}
