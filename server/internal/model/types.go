package model

import (
	"strings"
	"time"
)

// DivisionID 是赛区（division）的不透明标识，所有流与场次都以它为作用域。
type DivisionID string

// Valid 判断 division 是否非空（去除首尾空白后）。
func (d DivisionID) Valid() bool {
	return strings.TrimSpace(string(d)) != ""
}

// EventType 表示一类领域事件，每个 division 下每种类型是一条独立有序的流。
type EventType string

const (
	EventTypeSessionStarted   EventType = "session-started"
	EventTypeSessionAborted   EventType = "session-aborted"
	EventTypeSessionCompleted EventType = "session-completed"
	EventTypeRubric           EventType = "rubric"
	EventTypeTeamArrived      EventType = "team-arrived"
)

// EventTypes 返回所有已知的事件类型（固定顺序）。
func EventTypes() []EventType {
	return []EventType{
		EventTypeSessionStarted,
		EventTypeSessionAborted,
		EventTypeSessionCompleted,
		EventTypeRubric,
		EventTypeTeamArrived,
	}
}

// Known 判断事件类型是否在已知集合内。
func (t EventType) Known() bool {
	for _, known := range EventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// MachineOwned 表示该类型只能由场次状态机发布，外部写入口不得直接发布。
func (t EventType) MachineOwned() bool {
	switch t {
	case EventTypeSessionStarted, EventTypeSessionAborted, EventTypeSessionCompleted:
		return true
	}
	return false
}

// StreamKey 唯一标识一条事件流。
type StreamKey struct {
	DivisionID DivisionID
	EventType  EventType
}

func (k StreamKey) String() string {
	return string(k.DivisionID) + "/" + string(k.EventType)
}

// EventRecord 是流中的一条不可变记录。
type EventRecord struct {
	DivisionID DivisionID `json:"divisionId"`
	EventType  EventType  `json:"eventType"`
	// Version 在同一 (division, eventType) 内从 1 开始严格递增。
	Version     uint64    `json:"version"`
	Data        Payload   `json:"-"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Key 返回记录所属的流。
func (r EventRecord) Key() StreamKey {
	return StreamKey{DivisionID: r.DivisionID, EventType: r.EventType}
}

// SessionStatus 是评审场次的状态。
type SessionStatus string

const (
	SessionNotStarted      SessionStatus = "not-started"
	SessionInProgress      SessionStatus = "in-progress"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session 是一个评审室中的一次限时评审。
// 字段由外部数据存储持有，但状态迁移必须经过 lifecycle 状态机串行化。
type Session struct {
	ID         string        `json:"id"`
	RoomID     string        `json:"roomId"`
	DivisionID DivisionID    `json:"divisionId"`
	Status     SessionStatus `json:"status"`
	// ScheduledTime 是排期开始时间，用于计算 startDelta；为空表示没有排期。
	ScheduledTime   time.Time `json:"scheduledTime,omitempty"`
	StartTime       time.Time `json:"startTime,omitempty"`
	ExpectedEndTime time.Time `json:"expectedEndTime,omitempty"`
}
