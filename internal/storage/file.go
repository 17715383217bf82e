package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tierbot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore keeps the state in memory and persists it as:
//   - <prefix>.snapshot.json  (full image, rewritten on compaction)
//   - <prefix>.journal.jsonl  (one record per mutation since the snapshot)
//   - <prefix>.audit.jsonl    (append-only audit trail)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	st           state
	snapshotPath string
	journal      *os.File
	auditFile    *os.File
	writes       int
}

type journalOp struct {
	Op     string      `json:"op"`
	User   *UserRecord `json:"user,omitempty"`
	Chat   *ChatRecord `json:"chat,omitempty"`
	Job    *JobRecord  `json:"job,omitempty"`
	Bill   *BillRecord `json:"bill,omitempty"`
	ChatID int64       `json:"chat_id,omitempty"`
	JobID  string      `json:"job_id,omitempty"`
	Code   string      `json:"code,omitempty"`
}

const (
	opPutUser    = "put_user"
	opPutChat    = "put_chat"
	opDeleteChat = "del_chat"
	opPutJob     = "put_job"
	opDeleteJob  = "del_job"
	opClaimBill  = "claim_bill"
	opDropBill   = "drop_bill"
)

type snapshot struct {
	Users []UserRecord `json:"users"`
	Chats []ChatRecord `json:"chats"`
	Jobs  []JobRecord  `json:"jobs"`
	Bills []BillRecord `json:"bills,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, st: newState(), snapshotPath: prefix + ".snapshot.json"}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.auditFile = af
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, u := range snap.Users {
		s.st.users.put(u.ID, u)
	}
	for _, c := range snap.Chats {
		s.st.chats.put(c.ChatID, c)
	}
	for _, j := range snap.Jobs {
		s.st.jobs.put(j.ID, j)
	}
	for _, b := range snap.Bills {
		s.st.bills.put(b.Code, b)
	}
	return nil
}

// replay applies journal records on top of the snapshot. A torn last line
// (crash mid-write) is skipped.
func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			skipped++
			continue
		}
		s.apply(op)
	}
	if skipped > 0 {
		s.log.Warn("journal records skipped", logx.String("path", path), logx.Int("count", skipped))
	}
	return sc.Err()
}

func (s *fileStore) apply(op journalOp) {
	switch op.Op {
	case opPutUser:
		if op.User != nil {
			s.st.users.put(op.User.ID, *op.User)
		}
	case opPutChat:
		if op.Chat != nil {
			s.st.chats.put(op.Chat.ChatID, *op.Chat)
		}
	case opDeleteChat:
		s.st.chats.del(op.ChatID)
	case opPutJob:
		if op.Job != nil {
			s.st.jobs.put(op.Job.ID, *op.Job)
		}
	case opDeleteJob:
		s.st.jobs.del(op.JobID)
	case opClaimBill:
		if op.Bill != nil {
			s.st.bills.put(op.Bill.Code, *op.Bill)
		}
	case opDropBill:
		s.st.bills.del(op.Code)
	}
}

// write applies op in memory and appends it to the journal.
func (s *fileStore) write(op journalOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(op)
}

func (s *fileStore) writeLocked(op journalOp) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.apply(op)
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Users: s.st.users.list(),
		Chats: s.st.chats.list(),
		Jobs:  s.st.jobs.list(),
		Bills: s.st.bills.list(),
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.st.users.list()
	for i := range out {
		out[i] = cloneUser(out[i])
	}
	return out, nil
}

func (s *fileStore) PutUser(ctx context.Context, u UserRecord) error {
	u = cloneUser(u)
	return s.write(journalOp{Op: opPutUser, User: &u})
}

func (s *fileStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.chats.list(), nil
}

func (s *fileStore) PutChat(ctx context.Context, c ChatRecord) error {
	return s.write(journalOp{Op: opPutChat, Chat: &c})
}

func (s *fileStore) DeleteChat(ctx context.Context, chatID int64) error {
	return s.write(journalOp{Op: opDeleteChat, ChatID: chatID})
}

func (s *fileStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.st.jobs.list()
	for i := range out {
		out[i] = cloneJob(out[i])
	}
	return out, nil
}

func (s *fileStore) PutJob(ctx context.Context, j JobRecord) error {
	j = cloneJob(j)
	return s.write(journalOp{Op: opPutJob, Job: &j})
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	return s.write(journalOp{Op: opDeleteJob, JobID: id})
}

func (s *fileStore) ClaimBill(ctx context.Context, b BillRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.bills.has(b.Code) {
		return false, nil
	}
	if err := s.writeLocked(journalOp{Op: opClaimBill, Bill: &b}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) ReleaseBill(ctx context.Context, code string) error {
	return s.write(journalOp{Op: opDropBill, Code: code})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// Close compacts the journal into the snapshot and closes all files.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	errs := []error{s.compactLocked(), s.journal.Close(), s.auditFile.Close()}
	s.journal = nil
	s.auditFile = nil
	return errors.Join(errs...)
}
