package stream

import (
	"context"

	"tourney-bus/server/internal/model"
)

// DefaultCapacity 是每条流默认保留的恢复缓冲区大小。
const DefaultCapacity = 200

// Latest 作为 Watch 的起点时表示"只要此后的新数据"，不返回积压记录也不会产生 gap。
const Latest = ^uint64(0)

type Store interface {
	// Append 以 append-only 的契约写入一条记录，返回分配了 version 的记录。
	// 约定：同一 (division, eventType) 的 version 从 1 开始严格递增；超出容量时淘汰最旧记录；
	// 写入后唤醒所有等待该流的读者。
	Append(ctx context.Context, division model.DivisionID, eventType model.EventType, payload model.Payload) (model.EventRecord, error)
	// ReadSince 返回 version > afterVersion 的全部记录（升序）。
	// afterVersion 为 0 表示只要新数据（返回空）；早于保留窗口时返回 gap=true 且不返回任何记录。
	ReadSince(ctx context.Context, division model.DivisionID, eventType model.EventType, afterVersion uint64) ([]model.EventRecord, bool, error)
	// Watch 按字面读取 version > afterVersion 的记录（0 表示从头读），并在同一把锁内一并返回唤醒通道，
	// 读与等待之间不会漏掉写入。afterVersion 为 Latest 时只返回当前 version 与唤醒通道。
	Watch(ctx context.Context, division model.DivisionID, eventType model.EventType, afterVersion uint64) (Batch, error)
	// Head 返回流当前的保留窗口。
	Head(ctx context.Context, division model.DivisionID, eventType model.EventType) (Head, error)
}

// Batch 是一次 Watch 的结果。
type Batch struct {
	Records []model.EventRecord
	Gap     bool
	// Last 是读取时刻该流的最新 version（空流为 0）。
	Last uint64
	// Wake 在该流的下一次 Append 之后关闭。
	Wake <-chan struct{}
}

// Head 描述一条流的保留窗口。Oldest/Last 为 0 表示流中没有记录。
type Head struct {
	Oldest   uint64 `json:"oldest"`
	Last     uint64 `json:"last"`
	Retained int    `json:"retained"`
	Capacity int    `json:"capacity"`
}
