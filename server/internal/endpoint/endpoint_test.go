package endpoint

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/juju/errors"

	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/stream"
)

func newTestRegistry(capacity int) (*Registry, *bus.Bus) {
	b := bus.New(stream.NewInMemoryStore(capacity, nil))
	return NewRegistry(b), b
}

func publish(t *testing.T, b *bus.Bus, eventType model.EventType, p model.Payload) {
	t.Helper()
	if _, err := b.Publish(context.Background(), "d1", eventType, p); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func next(t *testing.T, s *Stream) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return msg
}

// TestRequestValidation 验证缺少 division 时立即失败，且先于事件类型校验。
func TestRequestValidation(t *testing.T) {
	reg, _ := newTestRegistry(0)
	ctx := context.Background()

	_, err := reg.Subscribe(ctx, Request{EventType: "bogus"})
	if !errors.Is(err, ErrDivisionRequired) || !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected division required, got %v", err)
	}
	if _, err := reg.Subscribe(ctx, Request{DivisionID: "d1", EventType: "bogus"}); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected unknown event type, got %v", err)
	}
	if _, err := reg.Resolve("bogus"); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected unknown event type from resolve, got %v", err)
	}

	ep, err := reg.Resolve(model.EventTypeRubric)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := ep.Subscribe(ctx, Request{DivisionID: "d1", EventType: model.EventTypeTeamArrived}); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

// TestSessionStartedShape 验证 SessionStarted 的对外形态：RFC3339 开始时间与带符号的 startDelta。
func TestSessionStartedShape(t *testing.T) {
	reg, b := newTestRegistry(0)
	start := time.Date(2026, 3, 1, 9, 1, 30, 0, time.UTC)
	publish(t, b, model.EventTypeSessionStarted, model.SessionStarted{SessionID: "s1", StartTime: start, StartDelta: -30})

	s, err := reg.Subscribe(context.Background(), Request{DivisionID: "d1", EventType: model.EventTypeSessionStarted, LastSeenVersion: 0})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()
	<-s.Ready()
	publish(t, b, model.EventTypeSessionStarted, model.SessionStarted{SessionID: "s2", StartTime: start, StartDelta: 15})

	msg := next(t, s)
	if msg.Type != "SessionStarted" || msg.Version != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"SessionStarted","version":2,"data":{"sessionId":"s2","startTime":"2026-03-01T09:01:30Z","startDelta":15}}`
	if string(raw) != want {
		t.Fatalf("wire form = %s, want %s", raw, want)
	}
}

// TestRubricFiltersIncompletePayloads 验证不完整或越界的评分更新被跳过，合法的按顺序送达。
func TestRubricFiltersIncompletePayloads(t *testing.T) {
	reg, b := newTestRegistry(0)
	publish(t, b, model.EventTypeRubric, model.RubricStatusUpdated{RubricID: "r0", Status: "draft"})

	s, err := reg.Subscribe(context.Background(), Request{DivisionID: "d1", EventType: model.EventTypeRubric, LastSeenVersion: 1})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	publish(t, b, model.EventTypeRubric, model.RubricValueUpdated{RubricID: "r1", FieldID: "f1", Value: model.RubricValue{Value: 5}})
	publish(t, b, model.EventTypeRubric, model.RubricStatusUpdated{RubricID: "r1"})
	publish(t, b, model.EventTypeRubric, model.RubricAwardsUpdated{RubricID: "r1"})
	publish(t, b, model.EventTypeRubric, model.SessionAborted{SessionID: "s1"})
	publish(t, b, model.EventTypeRubric, model.RubricValueUpdated{RubricID: "r1", FieldID: "f1", Value: model.RubricValue{Value: 4}})
	publish(t, b, model.EventTypeRubric, model.RubricFeedbackUpdated{RubricID: "r1", Feedback: model.RubricFeedback{GreatJob: "nice"}})

	msg := next(t, s)
	if msg.Type != "RubricValueUpdated" || msg.Version != 6 {
		t.Fatalf("unexpected message %+v", msg)
	}
	msg = next(t, s)
	if msg.Type != "RubricFeedbackUpdated" || msg.Version != 7 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

// TestTeamArrivedRequiresIdentity 验证缺少 teamId 或队号的到场事件被跳过。
func TestTeamArrivedRequiresIdentity(t *testing.T) {
	reg, b := newTestRegistry(0)
	publish(t, b, model.EventTypeTeamArrived, model.TeamArrived{TeamID: "t0", Number: 1})

	s, err := reg.Subscribe(context.Background(), Request{DivisionID: "d1", EventType: model.EventTypeTeamArrived, LastSeenVersion: 1})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	publish(t, b, model.EventTypeTeamArrived, model.TeamArrived{Number: 7})
	publish(t, b, model.EventTypeTeamArrived, model.TeamArrived{TeamID: "t1"})
	publish(t, b, model.EventTypeTeamArrived, model.TeamArrived{TeamID: "t2", Number: 12, Name: "Gears", DivisionID: "d1"})

	msg := next(t, s)
	team, ok := msg.Data.(model.TeamArrived)
	if !ok || team.TeamID != "t2" || msg.Version != 4 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

// TestGapEndsStream 验证 gap 变成 GapMarker 消息（无 version），之后流结束。
func TestGapEndsStream(t *testing.T) {
	reg, b := newTestRegistry(3)
	for i := 0; i < 5; i++ {
		publish(t, b, model.EventTypeSessionAborted, model.SessionAborted{SessionID: "s1"})
	}

	s, err := reg.Subscribe(context.Background(), Request{DivisionID: "d1", EventType: model.EventTypeSessionAborted, LastSeenVersion: 1})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	msg := next(t, s)
	if msg.Type != GapMarker || msg.Version != 0 {
		t.Fatalf("expected gap marker, got %+v", msg)
	}
	raw, _ := json.Marshal(msg)
	if string(raw) != `{"type":"GapMarker","data":{}}` {
		t.Fatalf("unexpected gap wire form %s", raw)
	}
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF after gap, got %v", err)
	}
}

// TestNextHonoursContext 验证 ctx 取消时 Next 返回 EOF 而不是一直阻塞。
func TestNextHonoursContext(t *testing.T) {
	reg, _ := newTestRegistry(0)
	s, err := reg.Subscribe(context.Background(), Request{DivisionID: "d1", EventType: model.EventTypeSessionCompleted})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
