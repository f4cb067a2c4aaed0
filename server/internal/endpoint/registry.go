package endpoint

import (
	"context"

	"github.com/juju/errors"

	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/model"
)

// Registry 按事件类型查找 Endpoint。
type Registry struct {
	endpoints map[model.EventType]*Endpoint
}

// NewRegistry 为每种已知事件类型创建一个 Endpoint。
func NewRegistry(b *bus.Bus) *Registry {
	r := &Registry{endpoints: make(map[model.EventType]*Endpoint)}
	for _, et := range model.EventTypes() {
		r.endpoints[et] = &Endpoint{eventType: et, bus: b, shape: shaperFor(et)}
	}
	return r
}

// Resolve 返回事件类型对应的 Endpoint。
func (r *Registry) Resolve(eventType model.EventType) (*Endpoint, error) {
	ep, ok := r.endpoints[eventType]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownEventType, "%q", eventType)
	}
	return ep, nil
}

// Subscribe 校验请求后交给对应的 Endpoint。
func (r *Registry) Subscribe(ctx context.Context, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ep, err := r.Resolve(req.EventType)
	if err != nil {
		return nil, err
	}
	return ep.Subscribe(ctx, req)
}
