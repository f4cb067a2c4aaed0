package lifecycle

import (
	"time"

	"github.com/juju/errors"

	"tourney-bus/server/internal/model"
)

const (
	ErrAlreadyStarted = errors.ConstError("session already started")
	ErrRoomBusy       = errors.ConstError("room busy")
	ErrNotStarted     = errors.ConstError("session not started")
)

// 这里只做状态归约，不做存储、发布与定时等副作用。

// applyStart 把未开始的场次推进到进行中。
func applyStart(sess model.Session, now time.Time, length time.Duration) (model.Session, error) {
	if sess.Status != model.SessionNotStarted {
		return sess, errors.Annotatef(ErrAlreadyStarted, "session %q is %s", sess.ID, sess.Status)
	}
	sess.Status = model.SessionInProgress
	sess.StartTime = now
	sess.ExpectedEndTime = now.Add(length)
	return sess, nil
}

// applyAbort 把进行中的场次退回未开始，并清空计时字段。
func applyAbort(sess model.Session) (model.Session, error) {
	if sess.Status != model.SessionInProgress {
		return sess, errors.Annotatef(ErrNotStarted, "session %q is %s", sess.ID, sess.Status)
	}
	sess.Status = model.SessionNotStarted
	sess.StartTime = time.Time{}
	sess.ExpectedEndTime = time.Time{}
	return sess, nil
}

// applyComplete 只在场次仍处于 startedAt 那一次开始时才完成它。
// 中止或重新开始过的场次开始时间已经变化，返回 false。
func applyComplete(sess model.Session, startedAt time.Time) (model.Session, bool) {
	if sess.Status != model.SessionInProgress || !sess.StartTime.Equal(startedAt) {
		return sess, false
	}
	sess.Status = model.SessionStatusCompleted
	return sess, true
}

// startDelta 是实际开始时间相对排期的偏移（秒，可为负）；没有排期时为 0。
func startDelta(sess model.Session) int64 {
	if sess.ScheduledTime.IsZero() || sess.StartTime.IsZero() {
		return 0
	}
	return int64(sess.StartTime.Sub(sess.ScheduledTime) / time.Second)
}

// ReasonFor 把迁移错误映射为稳定的原因字符串，供命令结果与 HTTP 响应使用。
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyStarted):
		return "already-started"
	case errors.Is(err, ErrRoomBusy):
		return "room-busy"
	case errors.Is(err, ErrNotStarted):
		return "not-started"
	case errors.Is(err, errors.NotFound):
		return "not-found"
	case errors.Is(err, errors.NotValid):
		return "invalid"
	}
	return "internal"
}

// IsConflict 报告 err 是否为状态冲突（已开始、评审室占用、未开始）。
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) || errors.Is(err, ErrRoomBusy) || errors.Is(err, ErrNotStarted)
}
