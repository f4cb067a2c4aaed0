// Package endpoint 把总线订阅包装成面向客户端的流：每种对外事件一个 Endpoint，
// 负责请求校验、把记录整形为对外消息，并过滤不属于该流或不完整的负载。
package endpoint

import (
	"context"
	"io"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/model"
)

var logger = loggo.GetLogger("tourneybus.endpoint")

var (
	ErrDivisionRequired = errors.NewNotValid(nil, "division id is required")
	ErrUnknownEventType = errors.NewNotValid(nil, "unknown event type")
)

// Request 是一次订阅请求。LastSeenVersion 为 0 表示只要新数据。
type Request struct {
	DivisionID      model.DivisionID `json:"divisionId"`
	EventType       model.EventType  `json:"eventType"`
	LastSeenVersion uint64           `json:"lastSeenVersion,omitempty"`
}

// Validate 先检查 division，再检查事件类型。
func (r Request) Validate() error {
	if !r.DivisionID.Valid() {
		return ErrDivisionRequired
	}
	if !r.EventType.Known() {
		return errors.Annotatef(ErrUnknownEventType, "%q", r.EventType)
	}
	return nil
}

// Endpoint 是一种事件类型的订阅入口。
type Endpoint struct {
	eventType model.EventType
	bus       *bus.Bus
	shape     shaper
}

func (e *Endpoint) EventType() model.EventType {
	return e.eventType
}

// Subscribe 打开一条对外消息流。请求里的事件类型为空时使用该 Endpoint 的类型。
func (e *Endpoint) Subscribe(ctx context.Context, req Request) (*Stream, error) {
	if req.EventType == "" {
		req.EventType = e.eventType
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.EventType != e.eventType {
		return nil, errors.Annotatef(ErrUnknownEventType, "%q on %s endpoint", req.EventType, e.eventType)
	}

	sub, err := e.bus.Subscribe(ctx, req.DivisionID, e.eventType, req.LastSeenVersion)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Stream{sub: sub, shape: e.shape}, nil
}

// Stream 是整形后的消息流，由单个消费者顺序调用 Next。
type Stream struct {
	sub   *bus.Subscription
	shape shaper
	ended bool
}

// ID 返回底层订阅的标识。
func (s *Stream) ID() string {
	return s.sub.ID()
}

// Ready 见 bus.Subscription.Ready。
func (s *Stream) Ready() <-chan struct{} {
	return s.sub.Ready()
}

// Next 返回下一条消息。gap 消息之后、订阅结束或 ctx 取消时返回 io.EOF。
func (s *Stream) Next(ctx context.Context) (Message, error) {
	if s.ended {
		return Message{}, io.EOF
	}
	for {
		select {
		case <-ctx.Done():
			return Message{}, io.EOF
		case d, ok := <-s.sub.Deliveries():
			if !ok {
				s.ended = true
				if err := s.sub.Err(); err != nil {
					return Message{}, errors.Trace(err)
				}
				return Message{}, io.EOF
			}
			if d.Gap {
				s.ended = true
				return gapMessage(), nil
			}
			msg, ok := s.shape(d.Record)
			if !ok {
				logger.Debugf("skipping %s record version %d (%T)", d.Record.Key(), d.Record.Version, d.Record.Data)
				continue
			}
			return msg, nil
		}
	}
}

// Close 结束底层订阅。
func (s *Stream) Close() error {
	return s.sub.Close()
}
