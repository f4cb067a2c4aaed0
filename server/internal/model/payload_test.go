package model

import (
	"encoding/json"
	"testing"

	"github.com/juju/errors"
)

// TestDecodePayloadDispatch 验证按 kind 一次性解码为具体类型。
func TestDecodePayloadDispatch(t *testing.T) {
	env := Envelope{
		Kind: KindRubricValueUpdated,
		Data: json.RawMessage(`{"rubricId":"r1","fieldId":"core-values","value":{"value":3,"notes":"ok"}}`),
	}
	p, err := DecodePayload(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := p.(RubricValueUpdated)
	if !ok {
		t.Fatalf("expected RubricValueUpdated, got %T", p)
	}
	if got.RubricID != "r1" || got.FieldID != "core-values" || got.Value.Value != 3 || got.Value.Notes != "ok" {
		t.Fatalf("unexpected payload %+v", got)
	}

	stream, ok := StreamOf(p.Kind())
	if !ok || stream != EventTypeRubric {
		t.Fatalf("expected rubric stream, got %q (%v)", stream, ok)
	}
}

// TestDecodePayloadRejects 验证未知 kind、缺少数据与格式错误都返回 NotValid 或解码错误。
func TestDecodePayloadRejects(t *testing.T) {
	if _, err := DecodePayload(Envelope{Kind: "Scoreboard", Data: json.RawMessage(`{}`)}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid for unknown kind, got %v", err)
	}
	if _, err := DecodePayload(Envelope{Kind: KindTeamArrived}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid for empty data, got %v", err)
	}
	if _, err := DecodePayload(Envelope{Kind: KindTeamArrived, Data: json.RawMessage(`{"number":"x"}`)}); err == nil {
		t.Fatalf("expected decode error for malformed data")
	}
}

// TestDecodeMapPayload 覆盖带 map 字段的负载。
func TestDecodeMapPayload(t *testing.T) {
	in := RubricAwardsUpdated{RubricID: "r1", Awards: map[string]bool{"innovation": true}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodePayload(Envelope{Kind: in.Kind(), Data: data})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	awards := out.(RubricAwardsUpdated)
	if !awards.Awards["innovation"] || len(awards.Awards) != 1 {
		t.Fatalf("unexpected awards %+v", awards.Awards)
	}
}

// TestClonePayloadDetachesMap 验证克隆后修改原 map 不影响副本。
func TestClonePayloadDetachesMap(t *testing.T) {
	orig := RubricAwardsUpdated{RubricID: "r1", Awards: map[string]bool{"a": true}}
	cloned := ClonePayload(orig).(RubricAwardsUpdated)
	orig.Awards["a"] = false
	orig.Awards["b"] = true
	if !cloned.Awards["a"] || len(cloned.Awards) != 1 {
		t.Fatalf("clone shares map with original: %+v", cloned.Awards)
	}

	plain := SessionAborted{SessionID: "s1"}
	if ClonePayload(plain) != Payload(plain) {
		t.Fatalf("value payload should be returned as is")
	}
}

// TestEventTypes 验证事件类型集合与机器专属类型。
func TestEventTypes(t *testing.T) {
	for _, et := range EventTypes() {
		if !et.Known() {
			t.Fatalf("%q should be known", et)
		}
	}
	if EventType("scoreboard").Known() {
		t.Fatalf("unexpected known type")
	}
	if !EventTypeSessionStarted.MachineOwned() || EventTypeRubric.MachineOwned() {
		t.Fatalf("machine ownership mismatch")
	}
	if DivisionID("  ").Valid() || !DivisionID("d1").Valid() {
		t.Fatalf("division validity mismatch")
	}
}
