package model

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// PayloadKind 是事件负载的判别字段，在发布时确定一次，消费方不再按字段猜测类型。
type PayloadKind string

const (
	KindSessionStarted        PayloadKind = "SessionStarted"
	KindSessionAborted        PayloadKind = "SessionAborted"
	KindSessionCompleted      PayloadKind = "SessionCompleted"
	KindRubricValueUpdated    PayloadKind = "RubricValueUpdated"
	KindRubricFeedbackUpdated PayloadKind = "RubricFeedbackUpdated"
	KindRubricStatusUpdated   PayloadKind = "RubricStatusUpdated"
	KindRubricAwardsUpdated   PayloadKind = "RubricAwardsUpdated"
	KindTeamArrived           PayloadKind = "TeamArrived"
)

// Payload 是事件数据的封闭变体。只有本包内的类型可以实现它。
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

type SessionStarted struct {
	SessionID  string    `json:"sessionId"`
	StartTime  time.Time `json:"startTime"`
	StartDelta int64     `json:"startDelta"`
}

type SessionAborted struct {
	SessionID string `json:"sessionId"`
}

type SessionCompleted struct {
	SessionID string `json:"sessionId"`
}

// RubricValue 是评分表某一项的取值，Value 合法范围 1..4。
type RubricValue struct {
	Value int    `json:"value"`
	Notes string `json:"notes,omitempty"`
}

type RubricValueUpdated struct {
	RubricID string      `json:"rubricId"`
	FieldID  string      `json:"fieldId"`
	Value    RubricValue `json:"value"`
}

type RubricFeedback struct {
	GreatJob   string `json:"greatJob"`
	ThinkAbout string `json:"thinkAbout"`
}

type RubricFeedbackUpdated struct {
	RubricID string         `json:"rubricId"`
	Feedback RubricFeedback `json:"feedback"`
}

type RubricStatusUpdated struct {
	RubricID string `json:"rubricId"`
	Status   string `json:"status"`
}

type RubricAwardsUpdated struct {
	RubricID string          `json:"rubricId"`
	Awards   map[string]bool `json:"awards"`
}

type TeamArrived struct {
	TeamID      string     `json:"teamId"`
	DivisionID  DivisionID `json:"divisionId"`
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Affiliation string     `json:"affiliation"`
	City        string     `json:"city"`
}

func (SessionStarted) Kind() PayloadKind        { return KindSessionStarted }
func (SessionAborted) Kind() PayloadKind        { return KindSessionAborted }
func (SessionCompleted) Kind() PayloadKind      { return KindSessionCompleted }
func (RubricValueUpdated) Kind() PayloadKind    { return KindRubricValueUpdated }
func (RubricFeedbackUpdated) Kind() PayloadKind { return KindRubricFeedbackUpdated }
func (RubricStatusUpdated) Kind() PayloadKind   { return KindRubricStatusUpdated }
func (RubricAwardsUpdated) Kind() PayloadKind   { return KindRubricAwardsUpdated }
func (TeamArrived) Kind() PayloadKind           { return KindTeamArrived }

func (SessionStarted) isPayload()        {}
func (SessionAborted) isPayload()        {}
func (SessionCompleted) isPayload()      {}
func (RubricValueUpdated) isPayload()    {}
func (RubricFeedbackUpdated) isPayload() {}
func (RubricStatusUpdated) isPayload()   {}
func (RubricAwardsUpdated) isPayload()   {}
func (TeamArrived) isPayload()           {}

// StreamOf 返回某种负载应当出现在哪条流上。
func StreamOf(kind PayloadKind) (EventType, bool) {
	switch kind {
	case KindSessionStarted:
		return EventTypeSessionStarted, true
	case KindSessionAborted:
		return EventTypeSessionAborted, true
	case KindSessionCompleted:
		return EventTypeSessionCompleted, true
	case KindRubricValueUpdated, KindRubricFeedbackUpdated, KindRubricStatusUpdated, KindRubricAwardsUpdated:
		return EventTypeRubric, true
	case KindTeamArrived:
		return EventTypeTeamArrived, true
	}
	return "", false
}

// ClonePayload 返回负载的深拷贝，保证写入流后的记录不会被调用方修改。
func ClonePayload(p Payload) Payload {
	awards, ok := p.(RubricAwardsUpdated)
	if !ok || awards.Awards == nil {
		return p
	}
	cloned := make(map[string]bool, len(awards.Awards))
	for k, v := range awards.Awards {
		cloned[k] = v
	}
	awards.Awards = cloned
	return awards
}

// Envelope 是负载在线上（发布请求）的编码形式。
type Envelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// DecodePayload 按判别字段解码一次负载。未知 kind 返回 NotValid。
func DecodePayload(env Envelope) (Payload, error) {
	if len(env.Data) == 0 {
		return nil, errors.NotValidf("payload %q without data", env.Kind)
	}
	var (
		p   Payload
		err error
	)
	switch env.Kind {
	case KindSessionStarted:
		p, err = decodeAs[SessionStarted](env.Data)
	case KindSessionAborted:
		p, err = decodeAs[SessionAborted](env.Data)
	case KindSessionCompleted:
		p, err = decodeAs[SessionCompleted](env.Data)
	case KindRubricValueUpdated:
		p, err = decodeAs[RubricValueUpdated](env.Data)
	case KindRubricFeedbackUpdated:
		p, err = decodeAs[RubricFeedbackUpdated](env.Data)
	case KindRubricStatusUpdated:
		p, err = decodeAs[RubricStatusUpdated](env.Data)
	case KindRubricAwardsUpdated:
		p, err = decodeAs[RubricAwardsUpdated](env.Data)
	case KindTeamArrived:
		p, err = decodeAs[TeamArrived](env.Data)
	default:
		return nil, errors.NotValidf("payload kind %q", env.Kind)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "decode %s", env.Kind)
	}
	return p, nil
}

func decodeAs[T Payload](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
