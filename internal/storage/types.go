package storage

import (
	"context"
	"time"
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the repository used by the recipient store, the scheduler and
// the orchestrator. Load* return records in insertion order.
type Store interface {
	LoadUsers(ctx context.Context) ([]UserRecord, error)
	PutUser(ctx context.Context, u UserRecord) error

	LoadChats(ctx context.Context) ([]ChatRecord, error)
	PutChat(ctx context.Context, c ChatRecord) error
	DeleteChat(ctx context.Context, chatID int64) error

	LoadJobs(ctx context.Context) ([]JobRecord, error)
	PutJob(ctx context.Context, j JobRecord) error
	DeleteJob(ctx context.Context, id string) error

	// ClaimBill records a paid bill code. It reports false when the code
	// was already claimed, so each bill is credited once across restarts.
	ClaimBill(ctx context.Context, b BillRecord) (bool, error)
	// ReleaseBill undoes a claim whose credit could not be recorded.
	ReleaseBill(ctx context.Context, code string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type UserRecord struct {
	ID              int64      `json:"id"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ChatRecord is a registered group or channel. Kind is "group" or "channel".
type ChatRecord struct {
	ChatID  int64     `json:"chat_id"`
	Kind    string    `json:"kind"`
	AddedAt time.Time `json:"added_at"`
	AddedBy int64     `json:"added_by,omitempty"`
}

// JobRecord is an opaque scheduled job. Data is owned by the scheduler.
type JobRecord struct {
	ID     string    `json:"id"`
	FireAt time.Time `json:"fire_at"`
	Data   []byte    `json:"data"`
}

// BillRecord is a payment gateway bill that has been credited.
type BillRecord struct {
	Code   string    `json:"code"`
	UserID int64     `json:"user_id"`
	PaidAt time.Time `json:"paid_at"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            int       `json:"ok,omitempty"`
	Fail          int       `json:"fail,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}
