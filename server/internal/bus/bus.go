// Package bus 是 division 事件总线的读写入口：Publisher 是所有领域变更发布事件的唯一写路径，
// Subscription 负责从指定 version 恢复并切换到实时推送。
package bus

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"tourney-bus/server/internal/metrics"
	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/stream"
)

var logger = loggo.GetLogger("tourneybus.bus")

// DefaultSubscriptionBuffer 是每个订阅输出通道的缓冲大小。
const DefaultSubscriptionBuffer = 16

// Publisher 是领域变更发布事件的写接口。
type Publisher interface {
	Publish(ctx context.Context, division model.DivisionID, eventType model.EventType, payload model.Payload) (model.EventRecord, error)
}

// Bus 组合事件流存储与订阅管理。实例由调用方显式构造并注入，不存在进程级单例。
type Bus struct {
	store   stream.Store
	metrics *metrics.Collector
	buffer  int
}

// Option 调整 Bus 的可选参数。
type Option func(*Bus)

// WithMetrics 设置指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bus) { b.metrics = c }
}

// WithSubscriptionBuffer 设置订阅输出通道的缓冲大小。
func WithSubscriptionBuffer(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.buffer = n
		}
	}
}

func New(store stream.Store, opts ...Option) *Bus {
	b := &Bus{
		store:  store,
		buffer: DefaultSubscriptionBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store 返回底层事件流存储（只读查询用）。
func (b *Bus) Store() stream.Store {
	return b.store
}

// Publish 校验最小不变量后写入存储。不校验负载的业务语义，那是上游的职责。
func (b *Bus) Publish(ctx context.Context, division model.DivisionID, eventType model.EventType, payload model.Payload) (model.EventRecord, error) {
	if err := validateKey(division, eventType); err != nil {
		return model.EventRecord{}, err
	}
	if payload == nil {
		return model.EventRecord{}, errors.NotValidf("nil payload")
	}

	rec, err := b.store.Append(ctx, division, eventType, payload)
	if err != nil {
		return model.EventRecord{}, errors.Annotatef(err, "publish %s/%s", division, eventType)
	}

	b.metrics.Published(string(eventType))
	logger.Debugf("published %s/%s version=%d kind=%s", division, eventType, rec.Version, payload.Kind())
	return rec, nil
}

func validateKey(division model.DivisionID, eventType model.EventType) error {
	if !division.Valid() {
		return errors.NotValidf("empty division id")
	}
	if !eventType.Known() {
		return errors.NotValidf("event type %q", eventType)
	}
	return nil
}
