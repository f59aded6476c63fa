package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "relaybot/pkg/logx"
)

// dialect captures the few differences between the SQL backends. Queries are
// written with ? placeholders and rebound per dialect.
type dialect struct {
	name   string
	dollar bool
	// nextUserSeq is the insert value of users.seq.
	nextUserSeq string
}

var (
	dialectSQLite   = dialect{name: "sqlite", nextUserSeq: "(SELECT COALESCE(MAX(seq), 0) + 1 FROM users)"}
	dialectPostgres = dialect{name: "postgres", dollar: true, nextUserSeq: "DEFAULT"}
)

func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
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

// sqlStore implements Repository on database/sql. Timestamps are stored as
// unix milliseconds.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger, now func() time.Time) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &sqlStore{db: db, dialect: d, log: log, now: now}
}

func (s *sqlStore) q(query string) string { return s.dialect.rebind(query) }

func (s *sqlStore) migrate(ctx context.Context) error {
	m := newMigrator(s.db, s.dialect, migrationsFS)
	m.now = s.now
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		s.log.Info("storage migrated", logx.String("dialect", s.dialect.name), logx.Strings("applied", applied))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = `id, name, role, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (User, error) {
	var (
		u        User
		reg, upd int64
	)
	if err := r.Scan(&u.ID, &u.Name, &u.Role, &reg, &upd); err != nil {
		return User{}, err
	}
	u.RegisteredAt = time.UnixMilli(reg)
	u.UpdatedAt = time.UnixMilli(upd)
	return u, nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (User, error) {
	if s == nil || s.db == nil {
		return User{}, ErrDisabled
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *sqlStore) GetUserRole(ctx context.Context, id string) (string, bool, error) {
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return u.Role, true, nil
}

func (s *sqlStore) UpsertUser(ctx context.Context, id, name, role string) (User, error) {
	if s == nil || s.db == nil {
		return User{}, ErrDisabled
	}
	now := s.now().UnixMilli()
	row := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO users (id, name, role, registered_at, updated_at, seq) VALUES (?, ?, ?, ?, ?, `+s.dialect.nextUserSeq+`)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role, updated_at = excluded.updated_at
		 RETURNING `+userColumns),
		id, name, role, now, now,
	)
	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (s *sqlStore) UserStats(ctx context.Context) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users WHERE role <> '' GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			role string
			n    int
		)
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out[role] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Enqueue(ctx context.Context, item QueuedBroadcast) (QueuedBroadcast, error) {
	if s == nil || s.db == nil {
		return QueuedBroadcast{}, ErrDisabled
	}
	if item.Ref == "" {
		item.Ref = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO broadcast_queue (ref, enqueued_at, sender, target_role, body, image_url)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`),
		item.Ref, item.EnqueuedAt.UnixMilli(), item.Sender, item.TargetRole, item.Body, item.ImageURL,
	).Scan(&item.Seq)
	if err != nil {
		return QueuedBroadcast{}, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

func (s *sqlStore) DrainQueue(ctx context.Context) (out []QueuedBroadcast, err error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drain queue: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, ref, enqueued_at, sender, target_role, body, image_url FROM broadcast_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("drain queue: select: %w", err)
	}
	for rows.Next() {
		var (
			it QueuedBroadcast
			at int64
		)
		if err = rows.Scan(&it.Seq, &it.Ref, &at, &it.Sender, &it.TargetRole, &it.Body, &it.ImageURL); err != nil {
			rows.Close()
			return nil, fmt.Errorf("drain queue: scan: %w", err)
		}
		it.EnqueuedAt = time.UnixMilli(at)
		out = append(out, it)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("drain queue: iterate: %w", err)
	}
	rows.Close()

	// Only the rows read above are removed; anything enqueued meanwhile stays.
	del := s.q(`DELETE FROM broadcast_queue WHERE seq = ?`)
	for _, it := range out {
		if _, err = tx.ExecContext(ctx, del, it.Seq); err != nil {
			return nil, fmt.Errorf("drain queue: delete %d: %w", it.Seq, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain queue: commit: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Log(ctx context.Context, e LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit_log (at, category, subject, detail) VALUES (?, ?, ?, ?)`),
		e.At.UnixMilli(), e.Category, e.Subject, e.Detail)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

func (s *sqlStore) loadAutoReplies(ctx context.Context) ([]AutoReply, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword, response FROM auto_replies ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list auto replies: %w", err)
	}
	defer rows.Close()
	var out []AutoReply
	for rows.Next() {
		var r AutoReply
		if err := rows.Scan(&r.Keyword, &r.Response); err != nil {
			return nil, fmt.Errorf("scan auto reply: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindAutoReply(ctx context.Context, text string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	replies, err := s.loadAutoReplies(ctx)
	if err != nil {
		return "", false, err
	}
	resp, ok := firstAutoReply(replies, text)
	return resp, ok, nil
}

func (s *sqlStore) ReplaceAutoReplies(ctx context.Context, replies []AutoReply) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace auto replies: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM auto_replies`); err != nil {
		return fmt.Errorf("replace auto replies: clear: %w", err)
	}
	ins := s.q(`INSERT INTO auto_replies (position, keyword, response) VALUES (?, ?, ?)`)
	for i, r := range replies {
		if _, err = tx.ExecContext(ctx, ins, i, r.Keyword, r.Response); err != nil {
			return fmt.Errorf("replace auto replies: insert %q: %w", r.Keyword, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("replace auto replies: commit: %w", err)
	}
	return nil
}

func (s *sqlStore) GetCursor(ctx context.Context) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM kv WHERE key = ?`), CursorKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return v, nil
}

func (s *sqlStore) SetCursor(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var err error
	if id == "" {
		_, err = s.db.ExecContext(ctx, s.q(`DELETE FROM kv WHERE key = ?`), CursorKey)
	} else {
		_, err = s.db.ExecContext(ctx, s.q(
			`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
			CursorKey, id)
	}
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
