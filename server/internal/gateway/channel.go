package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"tourney-bus/server/internal/lifecycle"
	"tourney-bus/server/internal/metrics"
	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/notify"
)

// SessionCommander 执行场次迁移，由 lifecycle.Machine 实现。
type SessionCommander interface {
	Start(ctx context.Context, division model.DivisionID, room, sessionID string) (model.Session, error)
	Abort(ctx context.Context, division model.DivisionID, room, sessionID string) (model.Session, error)
}

var errSlowClient = errors.ConstError("client is not reading fast enough")

// Channel 是一个 division 的双向命令通道连接。
//
// 职责：
// - 读循环解析命令并放入 CommandQueue，同一连接的命令串行执行；
// - 每条命令回复一个 Result；
// - 订阅 division 的广播通知并转发给客户端。
type Channel struct {
	id        string
	division  model.DivisionID
	conn      *websocket.Conn
	commander SessionCommander
	hub       *notify.Hub
	config    Config
	metrics   *metrics.Collector

	queue *CommandQueue
	send  chan any
	tomb  tomb.Tomb
}

// NewChannel 接管 conn 的所有权，Serve 返回时连接已关闭。
func NewChannel(division model.DivisionID, conn *websocket.Conn, commander SessionCommander, hub *notify.Hub, config Config, m *metrics.Collector) *Channel {
	config = config.withDefaults()
	return &Channel{
		id:        uuid.NewString(),
		division:  division,
		conn:      conn,
		commander: commander,
		hub:       hub,
		config:    config,
		metrics:   m,
		send:      make(chan any, config.SendBuffer),
	}
}

func (ch *Channel) ID() string {
	return ch.id
}

// Serve 运行直到客户端断开、写失败或 ctx 取消。
func (ch *Channel) Serve(ctx context.Context) error {
	ch.metrics.ConnectionOpened()
	defer ch.metrics.ConnectionClosed()
	logger.Infof("command channel %s opened for division %s", ch.id, ch.division)

	ch.queue = NewCommandQueue(ch.id, ch.handleCommand)
	unsubscribe := func() {}
	if ch.hub != nil {
		unsubscribe = ch.hub.Subscribe(ch.division, func(n notify.Notice) { ch.enqueue(n) })
	}

	ch.tomb.Go(func() error {
		ch.tomb.Go(func() error {
			err := readLoop(ch.conn, ch.config, ch.onText)
			ch.tomb.Kill(err)
			return err
		})
		ch.tomb.Go(func() error {
			return pingLoop(ch.conn, ch.config, ch.tomb.Dying())
		})
		err := ch.writeLoop()
		ch.tomb.Kill(err)
		return err
	})

	select {
	case <-ch.tomb.Dying():
	case <-ctx.Done():
		ch.tomb.Kill(nil)
	}

	unsubscribe()
	_ = ch.queue.Close()
	closeNormally(ch.conn, ch.config)
	_ = ch.conn.Close()

	err := ch.tomb.Wait()
	logger.Infof("command channel %s closed: %v", ch.id, err)
	return err
}

func (ch *Channel) onText(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		ch.reply(&msg, errors.NewNotValid(err, "malformed command"))
		return
	}
	if err := ch.queue.Enqueue(&msg); err != nil {
		ch.reply(&msg, err)
	}
}

func (ch *Channel) handleCommand(ctx context.Context, msg *ClientMessage) error {
	var err error
	switch msg.Type {
	case CommandStartSession:
		_, err = ch.commander.Start(ctx, ch.division, msg.RoomID, msg.SessionID)
	case CommandAbortSession:
		_, err = ch.commander.Abort(ctx, ch.division, msg.RoomID, msg.SessionID)
	default:
		err = errors.NotValidf("command %q", msg.Type)
	}
	ch.reply(msg, err)
	return err
}

func (ch *Channel) reply(msg *ClientMessage, err error) {
	res := Result{Type: resultType, RequestID: msg.RequestID, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
		res.Reason = lifecycle.ReasonFor(err)
	}
	ch.enqueue(res)
}

// enqueue 把消息交给写循环；缓冲已满说明客户端读得太慢，断开该连接。
func (ch *Channel) enqueue(v any) {
	select {
	case ch.send <- v:
	case <-ch.tomb.Dying():
	default:
		logger.Warningf("command channel %s send buffer full, disconnecting", ch.id)
		ch.tomb.Kill(errSlowClient)
	}
}

func (ch *Channel) writeLoop() error {
	for {
		select {
		case <-ch.tomb.Dying():
			return nil
		case v := <-ch.send:
			if err := writeJSON(ch.conn, ch.config, v); err != nil {
				return err
			}
		}
	}
}
