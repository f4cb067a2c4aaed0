package endpoint

import (
	"strings"
	"time"

	"tourney-bus/server/internal/model"
)

// GapMarker 是 gap 消息的类型；收到后客户端应重新拉取全量状态。
const GapMarker = "GapMarker"

// Message 是推送给客户端的一条消息。Version 在 gap 消息上省略。
type Message struct {
	Type    string `json:"type"`
	Version uint64 `json:"version,omitempty"`
	Data    any    `json:"data"`
}

// SessionStartedData 是 SessionStarted 的对外形态，startTime 为 RFC3339 字符串。
type SessionStartedData struct {
	SessionID  string `json:"sessionId"`
	StartTime  string `json:"startTime"`
	StartDelta int64  `json:"startDelta"`
}

func gapMessage() Message {
	return Message{Type: GapMarker, Data: struct{}{}}
}

// shaper 把记录转换为对外消息；负载不属于该流或不完整时返回 false。
type shaper func(rec model.EventRecord) (Message, bool)

func shaperFor(eventType model.EventType) shaper {
	switch eventType {
	case model.EventTypeSessionStarted:
		return shapeSessionStarted
	case model.EventTypeSessionAborted:
		return shapeSessionAborted
	case model.EventTypeSessionCompleted:
		return shapeSessionCompleted
	case model.EventTypeRubric:
		return shapeRubric
	case model.EventTypeTeamArrived:
		return shapeTeamArrived
	}
	return nil
}

func message(rec model.EventRecord, data any) Message {
	return Message{Type: string(rec.Data.Kind()), Version: rec.Version, Data: data}
}

func shapeSessionStarted(rec model.EventRecord) (Message, bool) {
	p, ok := rec.Data.(model.SessionStarted)
	if !ok || blank(p.SessionID) || p.StartTime.IsZero() {
		return Message{}, false
	}
	return message(rec, SessionStartedData{
		SessionID:  p.SessionID,
		StartTime:  p.StartTime.UTC().Format(time.RFC3339),
		StartDelta: p.StartDelta,
	}), true
}

func shapeSessionAborted(rec model.EventRecord) (Message, bool) {
	p, ok := rec.Data.(model.SessionAborted)
	if !ok || blank(p.SessionID) {
		return Message{}, false
	}
	return message(rec, p), true
}

func shapeSessionCompleted(rec model.EventRecord) (Message, bool) {
	p, ok := rec.Data.(model.SessionCompleted)
	if !ok || blank(p.SessionID) {
		return Message{}, false
	}
	return message(rec, p), true
}

func shapeRubric(rec model.EventRecord) (Message, bool) {
	switch p := rec.Data.(type) {
	case model.RubricValueUpdated:
		if blank(p.RubricID) || blank(p.FieldID) || p.Value.Value < 1 || p.Value.Value > 4 {
			return Message{}, false
		}
		return message(rec, p), true
	case model.RubricFeedbackUpdated:
		if blank(p.RubricID) {
			return Message{}, false
		}
		return message(rec, p), true
	case model.RubricStatusUpdated:
		if blank(p.RubricID) || blank(p.Status) {
			return Message{}, false
		}
		return message(rec, p), true
	case model.RubricAwardsUpdated:
		if blank(p.RubricID) || p.Awards == nil {
			return Message{}, false
		}
		return message(rec, p), true
	}
	return Message{}, false
}

func shapeTeamArrived(rec model.EventRecord) (Message, bool) {
	p, ok := rec.Data.(model.TeamArrived)
	if !ok || blank(p.TeamID) || p.Number <= 0 {
		return Message{}, false
	}
	return message(rec, p), true
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
