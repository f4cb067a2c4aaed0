// Package lifecycle 是评审场次的状态机：not-started → in-progress → completed，以及中止回到 not-started。
//
// 职责与契约：
// - 同一评审室的全部迁移在该评审室的锁内串行执行，不同评审室互不阻塞；
// - 迁移先持久化，再发布事件与广播通知；被拒绝的迁移不发布任何事件；持久化之后的发布失败只记录日志；
// - 自动完成由一次性定时器触发，定时器携带开始时的快照，只有快照仍然有效时才完成；
//   进程重启后由 Resume 按存储中的预期结束时间重新安排。
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/metrics"
	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/notify"
	"tourney-bus/server/internal/session"
)

var logger = loggo.GetLogger("tourneybus.lifecycle")

// completionCheck 是定时器携带的不可变快照。
type completionCheck struct {
	division  model.DivisionID
	room      string
	sessionID string
	startTime time.Time
}

type Machine struct {
	sessions  session.Store
	publisher bus.Publisher
	hub       *notify.Hub
	metrics   *metrics.Collector
	clock     clock.Clock
	length    time.Duration

	locks  roomLocks
	closed atomic.Bool

	// afterCheck 在每次延迟检查结束后调用，completed 表示是否完成了场次。
	afterCheck func(c completionCheck, completed bool)
}

type Option func(*Machine)

// WithHub 设置 division 广播通知。
func WithHub(h *notify.Hub) Option {
	return func(m *Machine) { m.hub = h }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Machine) { m.metrics = c }
}

// New 创建状态机。clk 为空时使用 clock.WallClock。
func New(sessions session.Store, publisher bus.Publisher, clk clock.Clock, length time.Duration, opts ...Option) (*Machine, error) {
	if sessions == nil {
		return nil, errors.NotValidf("nil session store")
	}
	if publisher == nil {
		return nil, errors.NotValidf("nil publisher")
	}
	if length <= 0 {
		return nil, errors.NotValidf("session length %v", length)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	m := &Machine{
		sessions:  sessions,
		publisher: publisher,
		clock:     clk,
		length:    length,
		locks:     roomLocks{locks: make(map[roomKey]*roomLock)},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SessionLength 返回场次时长。
func (m *Machine) SessionLength() time.Duration {
	return m.length
}

// Start 开始场次。
//
// 副作用：持久化新状态；安排 SessionLength 之后的自动完成检查；
// 发布 SessionStarted 并广播 sessionStarted。
// 持久化成功即视为迁移生效：之后发布失败只记录错误，仍然返回成功。
func (m *Machine) Start(ctx context.Context, division model.DivisionID, room, sessionID string) (model.Session, error) {
	if err := validateTarget(division, room, sessionID); err != nil {
		return model.Session{}, m.reject("start", err)
	}

	unlock := m.locks.lock(roomKey{division: division, room: room})
	defer unlock()

	sess, err := m.load(ctx, division, room, sessionID)
	if err != nil {
		return model.Session{}, m.reject("start", err)
	}
	next, err := applyStart(sess, m.clock.Now(), m.length)
	if err != nil {
		return model.Session{}, m.reject("start", err)
	}
	if err := m.ensureRoomIdle(ctx, division, room, sessionID); err != nil {
		return model.Session{}, m.reject("start", err)
	}
	if err := m.sessions.Save(ctx, next); err != nil {
		return model.Session{}, errors.Annotatef(err, "save started session %q", sessionID)
	}

	m.schedule(checkFor(next), m.length)

	delta := startDelta(next)
	logger.Infof("session %s started in %s/%s (delta %ds, ends %s)", sessionID, division, room, delta, next.ExpectedEndTime.Format(time.RFC3339))
	if err := m.publish(ctx, division, model.EventTypeSessionStarted, model.SessionStarted{
		SessionID:  sessionID,
		StartTime:  next.StartTime,
		StartDelta: delta,
	}); err != nil {
		logger.Errorf("session %s started but not published: %v", sessionID, err)
	}
	m.hub.Broadcast(division, notify.Notice{Type: notify.SessionStarted, SessionID: sessionID})
	m.metrics.Transition("start")
	return next, nil
}

// Abort 中止进行中的场次，已安排的自动完成检查不撤销，届时会因开始时间不匹配而失效。
// 与 Start 相同，持久化之后的发布失败不影响返回结果。
func (m *Machine) Abort(ctx context.Context, division model.DivisionID, room, sessionID string) (model.Session, error) {
	if err := validateTarget(division, room, sessionID); err != nil {
		return model.Session{}, m.reject("abort", err)
	}

	unlock := m.locks.lock(roomKey{division: division, room: room})
	defer unlock()

	sess, err := m.load(ctx, division, room, sessionID)
	if err != nil {
		return model.Session{}, m.reject("abort", err)
	}
	next, err := applyAbort(sess)
	if err != nil {
		return model.Session{}, m.reject("abort", err)
	}
	if err := m.sessions.Save(ctx, next); err != nil {
		return model.Session{}, errors.Annotatef(err, "save aborted session %q", sessionID)
	}

	logger.Infof("session %s aborted in %s/%s", sessionID, division, room)
	if err := m.publish(ctx, division, model.EventTypeSessionAborted, model.SessionAborted{SessionID: sessionID}); err != nil {
		logger.Errorf("session %s aborted but not published: %v", sessionID, err)
	}
	m.hub.Broadcast(division, notify.Notice{Type: notify.SessionAborted, SessionID: sessionID})
	m.metrics.Transition("abort")
	return next, nil
}

// Upsert 写入场次的排期信息（评审室、排期时间）。
// 状态与开始/结束时间只能经由迁移改变：新场次总是 not-started，已有场次保留存储中的状态与时间；
// 请求中的状态只能为空或 not-started。进行中的场次不能更换评审室。
func (m *Machine) Upsert(ctx context.Context, sess model.Session) (model.Session, error) {
	if sess.Status != "" && sess.Status != model.SessionNotStarted {
		return model.Session{}, m.reject("upsert", errors.NotValidf("status %q on upsert", sess.Status))
	}
	if err := validateTarget(sess.DivisionID, sess.RoomID, sess.ID); err != nil {
		return model.Session{}, m.reject("upsert", err)
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		stored, found, err := m.lookup(ctx, sess.DivisionID, sess.ID)
		if err != nil {
			return model.Session{}, err
		}
		keys := []roomKey{{division: sess.DivisionID, room: sess.RoomID}}
		if found && stored.RoomID != sess.RoomID {
			keys = append(keys, roomKey{division: sess.DivisionID, room: stored.RoomID})
		}

		next, retry, err := m.upsertLocked(ctx, sess, keys, stored, found)
		if retry {
			continue
		}
		return next, err
	}
	return model.Session{}, errors.Errorf("session %q changed rooms concurrently", sess.ID)
}

const maxUpsertAttempts = 3

// upsertLocked 在新旧评审室的锁内重新读取并写入。读取结果与加锁前不一致时返回 retry。
func (m *Machine) upsertLocked(ctx context.Context, sess model.Session, keys []roomKey, expected model.Session, expectFound bool) (model.Session, bool, error) {
	unlock := m.locks.lockAll(keys...)
	defer unlock()

	stored, found, err := m.lookup(ctx, sess.DivisionID, sess.ID)
	if err != nil {
		return model.Session{}, false, err
	}
	if found != expectFound || (found && stored.RoomID != expected.RoomID) {
		return model.Session{}, true, nil
	}

	next := model.Session{
		ID:            sess.ID,
		RoomID:        sess.RoomID,
		DivisionID:    sess.DivisionID,
		Status:        model.SessionNotStarted,
		ScheduledTime: sess.ScheduledTime,
	}
	if found {
		if stored.Status == model.SessionInProgress && stored.RoomID != sess.RoomID {
			return model.Session{}, false, m.reject("upsert", errors.NotValidf("moving in-progress session %q to room %q", sess.ID, sess.RoomID))
		}
		next.Status = stored.Status
		next.StartTime = stored.StartTime
		next.ExpectedEndTime = stored.ExpectedEndTime
	}
	if err := m.sessions.Save(ctx, next); err != nil {
		return model.Session{}, false, errors.Annotatef(err, "save session %q", sess.ID)
	}
	return next, false, nil
}

func (m *Machine) lookup(ctx context.Context, division model.DivisionID, sessionID string) (model.Session, bool, error) {
	sess, err := m.sessions.Get(ctx, division, sessionID)
	if errors.Is(err, errors.NotFound) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, errors.Trace(err)
	}
	return sess, true, nil
}

// Resume 为存储中已在进行的场次重新安排自动完成检查，进程启动后调用一次。
// 已过预期结束时间的场次立即检查。返回安排的检查数量。
func (m *Machine) Resume(ctx context.Context) (int, error) {
	sessions, err := m.sessions.ListInProgress(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "list in-progress sessions")
	}
	now := m.clock.Now()
	for _, sess := range sessions {
		end := sess.ExpectedEndTime
		if end.IsZero() {
			end = sess.StartTime.Add(m.length)
		}
		m.schedule(checkFor(sess), end.Sub(now))
		logger.Debugf("resumed completion check for %s/%s, due %s", sess.DivisionID, sess.ID, end.Format(time.RFC3339))
	}
	logger.Infof("resumed %d in-progress sessions", len(sessions))
	return len(sessions), nil
}

func checkFor(sess model.Session) completionCheck {
	return completionCheck{
		division:  sess.DivisionID,
		room:      sess.RoomID,
		sessionID: sess.ID,
		startTime: sess.StartTime,
	}
}

// schedule 在 after 之后运行检查；after 不为正时立即运行。
func (m *Machine) schedule(c completionCheck, after time.Duration) {
	if after <= 0 {
		go m.runCheck(c)
		return
	}
	m.clock.AfterFunc(after, func() { m.runCheck(c) })
}

// Close 之后触发的自动完成检查都是空操作。
func (m *Machine) Close() {
	m.closed.Store(true)
}

func (m *Machine) runCheck(c completionCheck) {
	completed := m.complete(c)
	if m.afterCheck != nil {
		m.afterCheck(c, completed)
	}
}

func (m *Machine) complete(c completionCheck) bool {
	if m.closed.Load() {
		logger.Debugf("machine closed, skipping completion check for %s", c.sessionID)
		return false
	}
	ctx := context.Background()

	unlock := m.locks.lock(roomKey{division: c.division, room: c.room})
	defer unlock()

	sess, err := m.sessions.Get(ctx, c.division, c.sessionID)
	if err != nil {
		logger.Warningf("completion check for %s: %v", c.sessionID, err)
		return false
	}
	next, ok := applyComplete(sess, c.startTime)
	if !ok {
		logger.Debugf("completion check for %s is stale (status %s)", c.sessionID, sess.Status)
		return false
	}
	if err := m.sessions.Save(ctx, next); err != nil {
		logger.Errorf("save completed session %s: %v", c.sessionID, err)
		return false
	}

	logger.Infof("session %s completed in %s/%s", c.sessionID, c.division, c.room)
	if err := m.publish(ctx, c.division, model.EventTypeSessionCompleted, model.SessionCompleted{SessionID: c.sessionID}); err != nil {
		logger.Errorf("%v", err)
	}
	m.hub.Broadcast(c.division, notify.Notice{Type: notify.SessionCompleted, SessionID: c.sessionID})
	m.metrics.Transition("complete")
	return true
}

// load 读取场次并确认它属于给定评审室。
func (m *Machine) load(ctx context.Context, division model.DivisionID, room, sessionID string) (model.Session, error) {
	sess, err := m.sessions.Get(ctx, division, sessionID)
	if err != nil {
		return model.Session{}, errors.Trace(err)
	}
	if sess.RoomID != room {
		return model.Session{}, errors.NotFoundf("session %q in room %q", sessionID, room)
	}
	return sess, nil
}

func (m *Machine) ensureRoomIdle(ctx context.Context, division model.DivisionID, room, sessionID string) error {
	siblings, err := m.sessions.ListByRoom(ctx, division, room)
	if err != nil {
		return errors.Annotatef(err, "list sessions in room %q", room)
	}
	for _, other := range siblings {
		if other.ID != sessionID && other.Status == model.SessionInProgress {
			return errors.Annotatef(ErrRoomBusy, "session %q is in progress in room %q", other.ID, room)
		}
	}
	return nil
}

// publish 在状态已持久化之后执行，不再受调用方取消影响。
func (m *Machine) publish(ctx context.Context, division model.DivisionID, eventType model.EventType, payload model.Payload) error {
	if _, err := m.publisher.Publish(context.WithoutCancel(ctx), division, eventType, payload); err != nil {
		return errors.Annotatef(err, "publish %s", eventType)
	}
	return nil
}

func (m *Machine) reject(transition string, err error) error {
	reason := ReasonFor(err)
	m.metrics.Rejected(transition, reason)
	logger.Debugf("%s rejected (%s): %v", transition, reason, err)
	return err
}

func validateTarget(division model.DivisionID, room, sessionID string) error {
	if !division.Valid() {
		return errors.NotValidf("empty division id")
	}
	if strings.TrimSpace(room) == "" {
		return errors.NotValidf("empty room id")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.NotValidf("empty session id")
	}
	return nil
}

type roomKey struct {
	division model.DivisionID
	room     string
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// roomLocks 是按评审室划分的锁表，无人持有的锁会被回收。
type roomLocks struct {
	mu    sync.Mutex
	locks map[roomKey]*roomLock
}

// lockAll 按固定顺序锁住多个评审室，避免相互等待。
func (l *roomLocks) lockAll(keys ...roomKey) func() {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].division != keys[j].division {
			return keys[i].division < keys[j].division
		}
		return keys[i].room < keys[j].room
	})
	var unlocks []func()
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		unlocks = append(unlocks, l.lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (l *roomLocks) lock(k roomKey) func() {
	l.mu.Lock()
	rl, ok := l.locks[k]
	if !ok {
		rl = &roomLock{}
		l.locks[k] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}
