// Package sqlite 提供基于 SQLite 的场次存储，重启后场次状态仍然保留。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	_ "modernc.org/sqlite"

	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/session"
	"tourney-bus/server/internal/session/sqlite/migrations"
)

var logger = loggo.GetLogger("tourneybus.session.sqlite")

// Store 是 session.Store 的 SQLite 实现。
type Store struct {
	sqlDB *sql.DB
}

var _ session.Store = (*Store)(nil)

// Open 打开指定路径的数据库并执行内嵌的迁移。
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.NotValidf("empty storage path")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Infof("session store opened at %s", path)
	return &Store{sqlDB: sqlDB}, nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, division model.DivisionID, id string) (model.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, room_id, division_id, status, scheduled_time, start_time, expected_end_time
FROM sessions
WHERE division_id = ? AND id = ?
`, string(division), id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return model.Session{}, errors.NotFoundf("session %q in division %q", id, division)
	}
	if err != nil {
		return model.Session{}, errors.Annotatef(err, "get session %q", id)
	}
	return sess, nil
}

func (s *Store) Save(ctx context.Context, sess model.Session) error {
	if err := session.Validate(sess); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (division_id, id, room_id, status, scheduled_time, start_time, expected_end_time, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (division_id, id) DO UPDATE SET
	room_id = excluded.room_id,
	status = excluded.status,
	scheduled_time = excluded.scheduled_time,
	start_time = excluded.start_time,
	expected_end_time = excluded.expected_end_time,
	updated_at = excluded.updated_at
`,
		string(sess.DivisionID),
		sess.ID,
		sess.RoomID,
		string(sess.Status),
		toNanos(sess.ScheduledTime),
		toNanos(sess.StartTime),
		toNanos(sess.ExpectedEndTime),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return errors.Annotatef(err, "save session %q", sess.ID)
	}
	return nil
}

func (s *Store) ListByRoom(ctx context.Context, division model.DivisionID, room string) ([]model.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, division_id, status, scheduled_time, start_time, expected_end_time
FROM sessions
WHERE division_id = ? AND room_id = ?
ORDER BY id
`, string(division), room)
	if err != nil {
		return nil, errors.Annotatef(err, "list sessions in room %q", room)
	}
	return scanSessions(rows)
}

func (s *Store) ListInProgress(ctx context.Context) ([]model.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, division_id, status, scheduled_time, start_time, expected_end_time
FROM sessions
WHERE status = ?
ORDER BY division_id, id
`, string(model.SessionInProgress))
	if err != nil {
		return nil, errors.Annotatef(err, "list in-progress sessions")
	}
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]model.Session, error) {
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Annotatef(err, "scan session")
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		sess                     model.Session
		division, status         string
		scheduled, start, expect int64
	)
	if err := row.Scan(&sess.ID, &sess.RoomID, &division, &status, &scheduled, &start, &expect); err != nil {
		return model.Session{}, err
	}
	sess.DivisionID = model.DivisionID(division)
	sess.Status = model.SessionStatus(status)
	sess.ScheduledTime = fromNanos(scheduled)
	sess.StartTime = fromNanos(start)
	sess.ExpectedEndTime = fromNanos(expect)
	return sess, nil
}

// 时间以 UnixNano 存储，保证 lifecycle 比较开始时间时精确相等；0 表示未设置。
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
