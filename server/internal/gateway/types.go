package gateway

import (
	"time"
)

// CommandType 是命令通道上客户端可以发送的命令。
type CommandType string

const (
	CommandStartSession CommandType = "startSession"
	CommandAbortSession CommandType = "abortSession"
)

// ClientMessage 是客户端在命令通道上发送的消息（WebSocket 文本帧）。
type ClientMessage struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"requestId,omitempty"` // 用于关联 Result
	RoomID    string      `json:"roomId"`
	SessionID string      `json:"sessionId"`
}

// Result 是对一条命令的应答。
type Result struct {
	Type      string `json:"type"` // 固定为 "result"
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

const resultType = "result"

// Config 是连接级别的参数。
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// SendBuffer 是命令通道待发送消息的缓冲；写不过来的连接会被断开。
	SendBuffer int
	// ReadLimit 是客户端单帧的最大字节数。
	ReadLimit int64
}

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
	defaultReadLimit    = 4096
)

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}
