// Package notify 在 division 内广播场次状态通知（sessionStarted / sessionAborted / sessionCompleted），
// 供命令通道上的所有连接即时刷新。通知不带 version，也不可恢复；需要可恢复语义时使用事件流。
package notify

import (
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"tourney-bus/server/internal/model"
)

var logger = loggo.GetLogger("tourneybus.notify")

// NoticeType 是广播通知的类型。
type NoticeType string

const (
	SessionStarted   NoticeType = "sessionStarted"
	SessionAborted   NoticeType = "sessionAborted"
	SessionCompleted NoticeType = "sessionCompleted"
)

// Notice 是一条广播通知。
type Notice struct {
	Type      NoticeType       `json:"type"`
	SessionID string           `json:"sessionId"`
	Division  model.DivisionID `json:"-"`
}

// Hub 基于 pubsub.SimpleHub，每个 division 一个 topic。
type Hub struct {
	hub *pubsub.SimpleHub
}

func NewHub() *Hub {
	return &Hub{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("tourneybus.notify.hub"),
		}),
	}
}

func topic(division model.DivisionID) string {
	return "division." + string(division)
}

// Broadcast 向 division 内的全部订阅者异步投递通知。nil Hub 上调用是空操作。
func (h *Hub) Broadcast(division model.DivisionID, n Notice) {
	if h == nil {
		return
	}
	n.Division = division
	logger.Debugf("broadcast %s(%s) to %s", n.Type, n.SessionID, division)
	_ = h.hub.Publish(topic(division), n)
}

// Subscribe 注册 division 的通知回调，返回取消函数。同一订阅者的回调按发布顺序串行调用。
func (h *Hub) Subscribe(division model.DivisionID, fn func(Notice)) func() {
	return h.hub.Subscribe(topic(division), func(_ string, data interface{}) {
		n, ok := data.(Notice)
		if !ok {
			logger.Warningf("unexpected notice payload %T", data)
			return
		}
		fn(n)
	})
}
