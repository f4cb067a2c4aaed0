package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/endpoint"
	"tourney-bus/server/internal/lifecycle"
	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/notify"
	"tourney-bus/server/internal/session"
	"tourney-bus/server/internal/stream"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

// newStreamServer 返回一个把 /?lastSeenVersion= 升级为 rubric 订阅的测试服务器，
// done 在每个连接的 Serve 返回后收到一次。
func newStreamServer(t *testing.T, b *bus.Bus) (*httptest.Server, chan error) {
	t.Helper()
	registry := endpoint.NewRegistry(b)
	done := make(chan error, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastSeen, _ := strconv.ParseUint(r.URL.Query().Get("lastSeenVersion"), 10, 64)
		s, err := registry.Subscribe(r.Context(), endpoint.Request{
			DivisionID:      "d1",
			EventType:       model.EventTypeRubric,
			LastSeenVersion: lastSeen,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		<-s.Ready()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = s.Close()
			return
		}
		done <- NewStreamConn(conn, s, Config{}, nil).Serve(context.Background())
	}))
	t.Cleanup(server.Close)
	return server, done
}

func publishStatus(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := b.Publish(context.Background(), "d1", model.EventTypeRubric, model.RubricStatusUpdated{RubricID: "r1", Status: "draft"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
}

type wireMessage struct {
	Type    string          `json:"type"`
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// TestStreamConnReplaysThenLive 验证连接先收到错过的记录，再收到实时记录。
func TestStreamConnReplaysThenLive(t *testing.T) {
	b := bus.New(stream.NewInMemoryStore(10, nil))
	publishStatus(t, b, 3)
	server, _ := newStreamServer(t, b)

	conn := dial(t, wsURL(server, "/?lastSeenVersion=1"))
	for _, want := range []uint64{2, 3} {
		var msg wireMessage
		readJSON(t, conn, &msg)
		if msg.Type != "RubricStatusUpdated" || msg.Version != want {
			t.Fatalf("unexpected message %+v, want version %d", msg, want)
		}
	}

	publishStatus(t, b, 1)
	var msg wireMessage
	readJSON(t, conn, &msg)
	if msg.Version != 4 {
		t.Fatalf("expected live version 4, got %+v", msg)
	}
}

// TestStreamConnGapClosesConnection 验证 gap 之后服务端发送 GapMarker 并正常关闭连接。
func TestStreamConnGapClosesConnection(t *testing.T) {
	b := bus.New(stream.NewInMemoryStore(3, nil))
	publishStatus(t, b, 5)
	server, done := newStreamServer(t, b)

	conn := dial(t, wsURL(server, "/?lastSeenVersion=1"))
	var msg wireMessage
	readJSON(t, conn, &msg)
	if msg.Type != endpoint.GapMarker || msg.Version != 0 {
		t.Fatalf("expected gap marker, got %+v", msg)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not finish")
	}
}

// TestStreamConnClientDisconnect 验证客户端断开后服务端及时释放订阅，不影响其他连接。
func TestStreamConnClientDisconnect(t *testing.T) {
	b := bus.New(stream.NewInMemoryStore(10, nil))
	server, done := newStreamServer(t, b)

	gone := dial(t, wsURL(server, "/"))
	stay := dial(t, wsURL(server, "/"))
	_ = gone.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not notice disconnect")
	}

	publishStatus(t, b, 1)
	var msg wireMessage
	readJSON(t, stay, &msg)
	if msg.Version != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

type channelFixture struct {
	server *httptest.Server
	bus    *bus.Bus
}

func newChannelFixture(t *testing.T) *channelFixture {
	t.Helper()
	b := bus.New(stream.NewInMemoryStore(0, nil))
	sessions := session.NewInMemoryStore()
	for _, s := range []model.Session{
		{ID: "s1", RoomID: "room-a", DivisionID: "d1", Status: model.SessionNotStarted},
		{ID: "s2", RoomID: "room-a", DivisionID: "d1", Status: model.SessionNotStarted},
	} {
		if err := sessions.Save(context.Background(), s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	hub := notify.NewHub()
	machine, err := lifecycle.New(sessions, b, nil, time.Hour, lifecycle.WithHub(hub))
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	t.Cleanup(machine.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = NewChannel("d1", conn, machine, hub, Config{}, nil).Serve(context.Background())
	}))
	t.Cleanup(server.Close)
	return &channelFixture{server: server, bus: b}
}

type channelMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason"`
	SessionID string `json:"sessionId"`
}

// readUntil 读取消息直到找到指定类型，返回该消息。
func readUntil(t *testing.T, conn *websocket.Conn, typ string) channelMessage {
	t.Helper()
	for i := 0; i < 4; i++ {
		var msg channelMessage
		readJSON(t, conn, &msg)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message", typ)
	return channelMessage{}
}

// TestChannelStartBroadcasts 验证开始命令得到结果，且同 division 的所有连接都收到 sessionStarted 广播。
func TestChannelStartBroadcasts(t *testing.T) {
	f := newChannelFixture(t)
	operator := dial(t, wsURL(f.server, "/"))
	watcher := dial(t, wsURL(f.server, "/"))

	// 确保两个连接都已订阅广播：先在 watcher 上完成一次往返。
	if err := watcher.WriteJSON(ClientMessage{Type: "noop", RequestID: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if res := readUntil(t, watcher, resultType); res.OK || res.Reason != "invalid" {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := operator.WriteJSON(ClientMessage{Type: CommandStartSession, RequestID: "r1", RoomID: "room-a", SessionID: "s1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := readUntil(t, operator, resultType)
	if !res.OK || res.RequestID != "r1" {
		t.Fatalf("unexpected result %+v", res)
	}

	notice := readUntil(t, watcher, string(notify.SessionStarted))
	if notice.SessionID != "s1" {
		t.Fatalf("unexpected notice %+v", notice)
	}

	head, err := f.bus.Store().Head(context.Background(), "d1", model.EventTypeSessionStarted)
	if err != nil || head.Last != 1 {
		t.Fatalf("expected one started record, got %+v (%v)", head, err)
	}
}

// TestChannelRejections 验证被拒绝的命令返回原因，连接保持可用。
func TestChannelRejections(t *testing.T) {
	f := newChannelFixture(t)
	conn := dial(t, wsURL(f.server, "/"))

	send := func(msg ClientMessage) channelMessage {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		return readUntil(t, conn, resultType)
	}

	if res := send(ClientMessage{Type: CommandStartSession, RequestID: "r1", RoomID: "room-a", SessionID: "s1"}); !res.OK {
		t.Fatalf("start s1 failed: %+v", res)
	}
	if res := send(ClientMessage{Type: CommandStartSession, RequestID: "r2", RoomID: "room-a", SessionID: "s2"}); res.OK || res.Reason != "room-busy" {
		t.Fatalf("expected room-busy, got %+v", res)
	}
	if res := send(ClientMessage{Type: CommandAbortSession, RequestID: "r3", RoomID: "room-a", SessionID: "s2"}); res.OK || res.Reason != "not-started" {
		t.Fatalf("expected not-started, got %+v", res)
	}
	if res := send(ClientMessage{Type: CommandStartSession, RequestID: "r4", RoomID: "room-a", SessionID: "nope"}); res.OK || res.Reason != "not-found" {
		t.Fatalf("expected not-found, got %+v", res)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if res := readUntil(t, conn, resultType); res.OK || res.Reason != "invalid" {
		t.Fatalf("expected invalid, got %+v", res)
	}

	if res := send(ClientMessage{Type: CommandAbortSession, RequestID: "r5", RoomID: "room-a", SessionID: "s1"}); !res.OK || res.RequestID != "r5" {
		t.Fatalf("abort failed: %+v", res)
	}
}
