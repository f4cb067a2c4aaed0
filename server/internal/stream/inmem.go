package stream

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"tourney-bus/server/internal/model"
)

var logger = loggo.GetLogger("tourneybus.stream")

// InMemoryStore 是基于内存的事件流存储。
// 键表只在查找/创建流时短暂加锁；每条流有自己的锁，不存在跨 division 的全局锁。
type InMemoryStore struct {
	capacity int
	now      func() time.Time

	mu      sync.RWMutex
	streams map[model.StreamKey]*ring
}

// ring 是单条流的定长环形缓冲区。
type ring struct {
	mu    sync.Mutex
	buf   []model.EventRecord
	start int
	n     int
	last  uint64
	wake  chan struct{}
}

// NewInMemoryStore 创建存储；capacity <= 0 时使用 DefaultCapacity，now 为空时使用 time.Now。
func NewInMemoryStore(capacity int, now func() time.Time) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &InMemoryStore{
		capacity: capacity,
		now:      now,
		streams:  make(map[model.StreamKey]*ring),
	}
}

// Capacity 返回每条流的保留容量。
func (s *InMemoryStore) Capacity() int {
	return s.capacity
}

// Append 追加记录并分配 version。
// 副作用：超出容量时淘汰最旧记录；关闭并替换唤醒通道，唤醒该流上所有等待者。
func (s *InMemoryStore) Append(ctx context.Context, division model.DivisionID, eventType model.EventType, payload model.Payload) (model.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.EventRecord{}, errors.Trace(err)
	}
	if !division.Valid() {
		return model.EventRecord{}, errors.NotValidf("empty division id")
	}
	if payload == nil {
		return model.EventRecord{}, errors.NotValidf("nil payload")
	}

	r := s.stream(model.StreamKey{DivisionID: division, EventType: eventType})

	r.mu.Lock()
	defer r.mu.Unlock()

	r.last++
	rec := model.EventRecord{
		DivisionID:  division,
		EventType:   eventType,
		Version:     r.last,
		Data:        model.ClonePayload(payload),
		PublishedAt: s.now(),
	}
	if evicted, ok := r.push(rec); ok {
		logger.Tracef("%s/%s evicted version %d", division, eventType, evicted.Version)
	}

	close(r.wake)
	r.wake = make(chan struct{})

	return copyRecord(rec), nil
}

// ReadSince 读取 afterVersion 之后的记录。
// 规则：afterVersion == 0 表示只要新数据，返回空；afterVersion 超过当前最新 version（流已重置）
// 或下一条需要的记录已被淘汰时返回 gap=true。
func (s *InMemoryStore) ReadSince(ctx context.Context, division model.DivisionID, eventType model.EventType, afterVersion uint64) ([]model.EventRecord, bool, error) {
	if afterVersion == 0 {
		afterVersion = Latest
	}
	batch, err := s.Watch(ctx, division, eventType, afterVersion)
	if err != nil {
		return nil, false, err
	}
	return batch.Records, batch.Gap, nil
}

// Watch 读取 afterVersion 之后的记录，并返回同一时刻的最新 version 与唤醒通道。
func (s *InMemoryStore) Watch(ctx context.Context, division model.DivisionID, eventType model.EventType, afterVersion uint64) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, errors.Trace(err)
	}
	if !division.Valid() {
		return Batch{}, errors.NotValidf("empty division id")
	}

	r := s.stream(model.StreamKey{DivisionID: division, EventType: eventType})

	r.mu.Lock()
	defer r.mu.Unlock()

	records, gap := r.since(afterVersion)
	return Batch{
		Records: records,
		Gap:     gap,
		Last:    r.last,
		Wake:    r.wake,
	}, nil
}

// Head 返回流的保留窗口，不存在的流返回零值窗口。
func (s *InMemoryStore) Head(ctx context.Context, division model.DivisionID, eventType model.EventType) (Head, error) {
	if err := ctx.Err(); err != nil {
		return Head{}, errors.Trace(err)
	}
	if !division.Valid() {
		return Head{}, errors.NotValidf("empty division id")
	}

	s.mu.RLock()
	r, ok := s.streams[model.StreamKey{DivisionID: division, EventType: eventType}]
	s.mu.RUnlock()
	if !ok {
		return Head{Capacity: s.capacity}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Head{
		Oldest:   r.oldest(),
		Last:     r.last,
		Retained: r.n,
		Capacity: s.capacity,
	}, nil
}

// stream 返回 key 对应的流，不存在时惰性创建。流在进程生命周期内不会被销毁。
func (s *InMemoryStore) stream(key model.StreamKey) *ring {
	s.mu.RLock()
	r, ok := s.streams[key]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.streams[key]; ok {
		return r
	}
	r = &ring{
		buf:  make([]model.EventRecord, s.capacity),
		wake: make(chan struct{}),
	}
	s.streams[key] = r
	return r
}

// push 写入一条记录，缓冲区已满时返回被淘汰的最旧记录。调用方须持有 r.mu。
func (r *ring) push(rec model.EventRecord) (model.EventRecord, bool) {
	size := len(r.buf)
	if r.n < size {
		r.buf[(r.start+r.n)%size] = rec
		r.n++
		return model.EventRecord{}, false
	}
	evicted := r.buf[r.start]
	r.buf[r.start] = rec
	r.start = (r.start + 1) % size
	return evicted, true
}

func (r *ring) at(i int) model.EventRecord {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) oldest() uint64 {
	if r.n == 0 {
		return 0
	}
	return r.last - uint64(r.n) + 1
}

// since 调用方须持有 r.mu。
func (r *ring) since(after uint64) ([]model.EventRecord, bool) {
	switch {
	case after == Latest:
		return nil, false
	case after > r.last:
		return nil, true
	case after == r.last:
		return nil, false
	}

	oldest := r.oldest()
	if after+1 < oldest {
		return nil, true
	}

	from := int(after + 1 - oldest)
	out := make([]model.EventRecord, 0, r.n-from)
	for i := from; i < r.n; i++ {
		out = append(out, copyRecord(r.at(i)))
	}
	return out, false
}

func copyRecord(rec model.EventRecord) model.EventRecord {
	rec.Data = model.ClonePayload(rec.Data)
	return rec
}
