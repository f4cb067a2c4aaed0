package session

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	"tourney-bus/server/internal/model"
)

type key struct {
	division model.DivisionID
	id       string
}

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[key]model.Session
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据；需要持久化时使用 sqlite 实现。
	return &InMemoryStore{data: make(map[key]model.Session)}
}

// Get 根据 division 与 SessionID 获取场次。
func (s *InMemoryStore) Get(ctx context.Context, division model.DivisionID, id string) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, errors.Trace(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[key{division: division, id: id}]
	if !ok {
		return model.Session{}, errors.NotFoundf("session %q in division %q", id, division)
	}
	return sess, nil
}

// Save 保存或更新场次。
func (s *InMemoryStore) Save(ctx context.Context, sess model.Session) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := Validate(sess); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key{division: sess.DivisionID, id: sess.ID}] = sess
	return nil
}

// ListByRoom 返回评审室内的全部场次。
func (s *InMemoryStore) ListByRoom(ctx context.Context, division model.DivisionID, room string) ([]model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Session
	for k, sess := range s.data {
		if k.division == division && sess.RoomID == room {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListInProgress 返回所有进行中的场次。
func (s *InMemoryStore) ListInProgress(ctx context.Context) ([]model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Session
	for _, sess := range s.data {
		if sess.Status == model.SessionInProgress {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DivisionID != out[j].DivisionID {
			return out[i].DivisionID < out[j].DivisionID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Validate 检查写入存储前的必填字段。
func Validate(sess model.Session) error {
	if !sess.DivisionID.Valid() {
		return errors.NotValidf("session without division")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return errors.NotValidf("session without id")
	}
	if strings.TrimSpace(sess.RoomID) == "" {
		return errors.NotValidf("session %q without room", sess.ID)
	}
	switch sess.Status {
	case model.SessionNotStarted, model.SessionInProgress, model.SessionStatusCompleted:
	default:
		return errors.NotValidf("session status %q", sess.Status)
	}
	return nil
}
