package storage

import (
	"context"
	"sync"
	"time"
)

// table keeps rows by key and remembers first-insertion order.
type table[K comparable, V any] struct {
	keys []K
	rows map[K]V
}

func newTable[K comparable, V any]() table[K, V] {
	return table[K, V]{rows: map[K]V{}}
}

func (t *table[K, V]) put(k K, v V) {
	if _, ok := t.rows[k]; !ok {
		t.keys = append(t.keys, k)
	}
	t.rows[k] = v
}

func (t *table[K, V]) del(k K) bool {
	if _, ok := t.rows[k]; !ok {
		return false
	}
	delete(t.rows, k)
	for i, key := range t.keys {
		if key == k {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
	return true
}

func (t *table[K, V]) has(k K) bool {
	_, ok := t.rows[k]
	return ok
}

func (t *table[K, V]) list() []V {
	out := make([]V, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, t.rows[k])
	}
	return out
}

// state is the in-memory image shared by the memory and file drivers.
type state struct {
	users table[int64, UserRecord]
	chats table[int64, ChatRecord]
	jobs  table[string, JobRecord]
	bills table[string, BillRecord]
}

func newState() state {
	return state{
		users: newTable[int64, UserRecord](),
		chats: newTable[int64, ChatRecord](),
		jobs:  newTable[string, JobRecord](),
		bills: newTable[string, BillRecord](),
	}
}

func cloneUser(u UserRecord) UserRecord {
	if u.SubscriptionEnd != nil {
		end := *u.SubscriptionEnd
		u.SubscriptionEnd = &end
	}
	return u
}

func cloneJob(j JobRecord) JobRecord {
	j.Data = append([]byte(nil), j.Data...)
	return j
}

// Memory is a process-local Store. It is also the test double for callers.
type Memory struct {
	mu    sync.Mutex
	st    state
	audit []AuditEntry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.st.users.list()
	for i := range out {
		out[i] = cloneUser(out[i])
	}
	return out, nil
}

func (m *Memory) PutUser(ctx context.Context, u UserRecord) error {
	m.mu.Lock()
	m.st.users.put(u.ID, cloneUser(u))
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.chats.list(), nil
}

func (m *Memory) PutChat(ctx context.Context, c ChatRecord) error {
	m.mu.Lock()
	m.st.chats.put(c.ChatID, c)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteChat(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	m.st.chats.del(chatID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.st.jobs.list()
	for i := range out {
		out[i] = cloneJob(out[i])
	}
	return out, nil
}

func (m *Memory) PutJob(ctx context.Context, j JobRecord) error {
	m.mu.Lock()
	m.st.jobs.put(j.ID, cloneJob(j))
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	m.st.jobs.del(id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClaimBill(ctx context.Context, b BillRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.bills.has(b.Code) {
		return false, nil
	}
	m.st.bills.put(b.Code, b)
	return true, nil
}

func (m *Memory) ReleaseBill(ctx context.Context, code string) error {
	m.mu.Lock()
	m.st.bills.del(code)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error { return nil }
