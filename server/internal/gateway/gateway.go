// Package gateway 维护客户端 WebSocket 连接：
// - StreamConn 把一条消息流（endpoint.Stream）推送给订阅者；
// - Channel 是 division 的双向命令通道：接收开始/中止命令，回复结果，并广播场次通知。
//
// 每条连接只有一个写 goroutine；连接出错只影响该连接，不影响存储和其他订阅者。
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"tourney-bus/server/internal/endpoint"
	"tourney-bus/server/internal/metrics"
)

var logger = loggo.GetLogger("tourneybus.gateway")

// StreamConn 把一条订阅推送到一个 WebSocket 连接。客户端发来的数据帧被忽略。
type StreamConn struct {
	id      string
	conn    *websocket.Conn
	stream  *endpoint.Stream
	config  Config
	metrics *metrics.Collector
	tomb    tomb.Tomb
}

// NewStreamConn 接管 conn 与 stream 的所有权，Serve 返回时两者都已关闭。
func NewStreamConn(conn *websocket.Conn, stream *endpoint.Stream, config Config, m *metrics.Collector) *StreamConn {
	return &StreamConn{
		id:      uuid.NewString(),
		conn:    conn,
		stream:  stream,
		config:  config.withDefaults(),
		metrics: m,
	}
}

// Serve 推送直到流结束（含 gap）、客户端断开或 ctx 取消。
func (c *StreamConn) Serve(ctx context.Context) error {
	c.metrics.ConnectionOpened()
	defer c.metrics.ConnectionClosed()
	logger.Debugf("stream conn %s serving subscription %s", c.id, c.stream.ID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.tomb.Go(func() error {
		// 在受跟踪的 goroutine 内启动其余循环，避免 tomb 在全部启动前就结束。
		c.tomb.Go(func() error {
			err := readLoop(c.conn, c.config, nil)
			c.tomb.Kill(err)
			return err
		})
		c.tomb.Go(func() error {
			return pingLoop(c.conn, c.config, c.tomb.Dying())
		})
		err := c.writeLoop(ctx)
		c.tomb.Kill(err)
		return err
	})

	select {
	case <-c.tomb.Dying():
	case <-ctx.Done():
		c.tomb.Kill(nil)
	}
	cancel()
	_ = c.conn.Close()

	err := c.tomb.Wait()
	_ = c.stream.Close()
	logger.Debugf("stream conn %s closed: %v", c.id, err)
	return err
}

func (c *StreamConn) writeLoop(ctx context.Context) error {
	for {
		msg, err := c.stream.Next(ctx)
		if err == io.EOF {
			closeNormally(c.conn, c.config)
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		if err := writeJSON(c.conn, c.config, msg); err != nil {
			return err
		}
		if msg.Type == endpoint.GapMarker {
			closeNormally(c.conn, c.config)
			return nil
		}
	}
}

func writeJSON(conn *websocket.Conn, config Config, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "marshal message")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Annotate(err, "write to client")
	}
	return nil
}

// readLoop 读取客户端帧直到连接关闭。onText 为空时丢弃数据帧，只处理控制帧。
// 客户端正常关闭返回 nil。
func readLoop(conn *websocket.Conn, config Config, onText func([]byte)) error {
	conn.SetReadLimit(config.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * config.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * config.PingInterval))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("client read error: %v", err)
			}
			return nil
		}
		if messageType == websocket.TextMessage && onText != nil {
			onText(data)
		}
	}
}

// pingLoop 定期发送 ping 保持连接。
func pingLoop(conn *websocket.Conn, config Config, dying <-chan struct{}) error {
	ticker := time.NewTicker(config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-dying:
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WriteTimeout)); err != nil {
				return nil
			}
		}
	}
}

func closeNormally(conn *websocket.Conn, config Config) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(config.WriteTimeout),
	)
}
