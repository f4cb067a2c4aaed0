package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"tourney-bus/server/internal/metrics"
	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/stream"
)

// Delivery 是订阅输出的一项：要么是一条记录，要么是 gap 标记（Gap 为 true，Record 为空）。
type Delivery struct {
	Record model.EventRecord
	Gap    bool
}

// Subscription 是一个可恢复的订阅：先回放错过的记录，再等待实时写入。
//
// 契约：
// - 同一订阅内 version 严格递增，除显式的 gap 标记外不会跳过任何 version；
// - gap 标记只发送一次，随后订阅结束，Deliveries 通道关闭；
// - Close 或 ctx 取消后立即返回，不等待下一次发布，也不残留任何等待者。
type Subscription struct {
	id       string
	key      model.StreamKey
	from     uint64
	store    stream.Store
	metrics  *metrics.Collector
	out      chan Delivery
	tomb     tomb.Tomb
	lastSeen uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// Subscribe 从 lastSeenVersion 之后开始订阅 (division, eventType)。
// lastSeenVersion 为 0 表示只要订阅之后的新记录。
func (b *Bus) Subscribe(ctx context.Context, division model.DivisionID, eventType model.EventType, lastSeenVersion uint64) (*Subscription, error) {
	if err := validateKey(division, eventType); err != nil {
		return nil, err
	}

	s := &Subscription{
		id:      uuid.NewString(),
		key:     model.StreamKey{DivisionID: division, EventType: eventType},
		from:    lastSeenVersion,
		store:   b.store,
		metrics: b.metrics,
		out:     make(chan Delivery, b.buffer),
		ready:   make(chan struct{}),
	}

	b.metrics.SubscriptionOpened(string(eventType))
	logger.Debugf("subscription %s opened on %s after version %d", s.id, s.key, lastSeenVersion)

	s.tomb.Go(func() error {
		defer close(s.out)
		defer s.markReady()
		defer s.metrics.SubscriptionClosed(string(eventType))
		err := s.loop(ctx)
		logger.Debugf("subscription %s on %s ended at version %d: %v", s.id, s.key, s.lastSeen, err)
		return err
	})
	return s, nil
}

// ID 返回订阅的唯一标识，用于日志与排障。
func (s *Subscription) ID() string {
	return s.id
}

// Key 返回订阅的流。
func (s *Subscription) Key() model.StreamKey {
	return s.key
}

// Deliveries 返回输出通道。订阅结束（gap、取消或出错）后通道关闭。
func (s *Subscription) Deliveries() <-chan Delivery {
	return s.out
}

// Ready 在订阅完成首次读取（确定了回放起点）后关闭；订阅提前结束时也会关闭。
// 在 Ready 之后发布的记录一定会被该订阅看到。
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done 在订阅 goroutine 退出后关闭。
func (s *Subscription) Done() <-chan struct{} {
	return s.tomb.Dead()
}

// Err 返回订阅结束的原因；正常结束（gap、取消、Close）为 nil。仍在运行时返回 tomb.ErrStillAlive。
func (s *Subscription) Err() error {
	return s.tomb.Err()
}

// Close 取消订阅并等待 goroutine 退出。
func (s *Subscription) Close() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *Subscription) loop(ctx context.Context) error {
	start := s.from
	if start == 0 {
		start = stream.Latest
	}

	batch, err := s.watch(ctx, start)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	after := s.from
	if start == stream.Latest {
		after = batch.Last
	}
	s.markReady()

	for {
		if batch.Gap {
			s.metrics.Gap(string(s.key.EventType))
			logger.Infof("subscription %s on %s cannot resume after version %d, sending gap marker", s.id, s.key, after)
			s.send(ctx, Delivery{Gap: true})
			return nil
		}

		for _, rec := range batch.Records {
			if rec.Version <= after {
				// 跳过重复的 version，保持严格递增。
				continue
			}
			if !s.send(ctx, Delivery{Record: rec}) {
				return nil
			}
			after = rec.Version
			s.lastSeen = after
			s.metrics.Delivered(string(s.key.EventType), 1)
		}

		select {
		case <-batch.Wake:
		case <-ctx.Done():
			return nil
		case <-s.tomb.Dying():
			return nil
		}

		batch, err = s.watch(ctx, after)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
	}
}

// watch 读取一批记录；订阅已被取消时返回 (nil, nil)。
func (s *Subscription) watch(ctx context.Context, after uint64) (*stream.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	case <-s.tomb.Dying():
		return nil, nil
	default:
	}
	batch, err := s.store.Watch(ctx, s.key.DivisionID, s.key.EventType, after)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "watch %s", s.key)
	}
	return &batch, nil
}

func (s *Subscription) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Subscription) send(ctx context.Context, d Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-ctx.Done():
		return false
	case <-s.tomb.Dying():
		return false
	}
}
