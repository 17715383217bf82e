package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "tierbot/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with
// "?" placeholders; bind rewrites them for drivers that number parameters.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	driver string
	bind   func(q string) string
}

func questionMarks(q string) string { return q }

// dollarParams rewrites ? placeholders as $1, $2, ...
func dollarParams(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate runs the schema one statement at a time.
func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.driver, err)
		}
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.bind(q), args...)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subscription_end, created_at FROM users ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserRecord
	for rows.Next() {
		var (
			u       UserRecord
			end     sql.NullInt64
			created int64
		)
		if err := rows.Scan(&u.ID, &end, &created); err != nil {
			return nil, err
		}
		if end.Valid {
			t := time.Unix(0, end.Int64)
			u.SubscriptionEnd = &t
		}
		u.CreatedAt = time.Unix(0, created)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutUser(ctx context.Context, u UserRecord) error {
	var end any
	if u.SubscriptionEnd != nil {
		end = u.SubscriptionEnd.UnixNano()
	}
	return s.exec(ctx,
		`INSERT INTO users(id, subscription_end, created_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET subscription_end=excluded.subscription_end`,
		u.ID, end, u.CreatedAt.UnixNano(),
	)
}

func (s *sqlStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, kind, added_at, added_by FROM chats ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatRecord
	for rows.Next() {
		var (
			c     ChatRecord
			added int64
		)
		if err := rows.Scan(&c.ChatID, &c.Kind, &added, &c.AddedBy); err != nil {
			return nil, err
		}
		c.AddedAt = time.Unix(0, added)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutChat(ctx context.Context, c ChatRecord) error {
	return s.exec(ctx,
		`INSERT INTO chats(chat_id, kind, added_at, added_by) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET kind=excluded.kind`,
		c.ChatID, c.Kind, c.AddedAt.UnixNano(), c.AddedBy,
	)
}

func (s *sqlStore) DeleteChat(ctx context.Context, chatID int64) error {
	return s.exec(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
}

func (s *sqlStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fire_at, data FROM jobs ORDER BY fire_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		var (
			j      JobRecord
			fireAt int64
		)
		if err := rows.Scan(&j.ID, &fireAt, &j.Data); err != nil {
			return nil, err
		}
		j.FireAt = time.Unix(0, fireAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutJob(ctx context.Context, j JobRecord) error {
	return s.exec(ctx,
		`INSERT INTO jobs(id, fire_at, data) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET fire_at=excluded.fire_at, data=excluded.data`,
		j.ID, j.FireAt.UnixNano(), j.Data,
	)
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
}

func (s *sqlStore) ClaimBill(ctx context.Context, b BillRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO paid_bills(code, user_id, paid_at) VALUES(?,?,?)
		 ON CONFLICT(code) DO NOTHING`),
		b.Code, b.UserID, b.PaidAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ReleaseBill(ctx context.Context, code string) error {
	return s.exec(ctx, `DELETE FROM paid_bills WHERE code = ?`, code)
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.exec(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
