package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tourney-bus/server/internal/model"
)

const recvTimeout = 2 * time.Second

func recv(t *testing.T, sub *Subscription) (Delivery, bool) {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		return d, ok
	case <-time.After(recvTimeout):
		t.Fatalf("timed out waiting for delivery on %s", sub.Key())
		return Delivery{}, false
	}
}

func recvVersion(t *testing.T, sub *Subscription, want uint64) {
	t.Helper()
	d, ok := recv(t, sub)
	if !ok {
		t.Fatalf("expected version %d, channel closed", want)
	}
	if d.Gap {
		t.Fatalf("expected version %d, got gap marker", want)
	}
	if d.Record.Version != want {
		t.Fatalf("expected version %d, got %d", want, d.Record.Version)
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		if ok {
			t.Fatalf("expected closed channel, got %+v", d)
		}
	case <-time.After(recvTimeout):
		t.Fatalf("channel not closed")
	}
}

// TestSubscribeBacklogThenLive 验证订阅先回放错过的记录，再无缝切换到实时推送。
func TestSubscribeBacklogThenLive(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(10)
	publishStatus(t, b, "d1", 3)

	sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	recvVersion(t, sub, 2)
	recvVersion(t, sub, 3)

	publishStatus(t, b, "d1", 2)
	recvVersion(t, sub, 4)
	recvVersion(t, sub, 5)

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectClosed(t, sub)
}

// TestSubscribeAfterEviction 覆盖容量为 3、已发布 1..5 的场景：
// 从 1 恢复只收到一个 gap 标记后结束；从 3 恢复收到 4、5，之后继续收到实时记录。
func TestSubscribeAfterEviction(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(3)
	publishStatus(t, b, "d1", 5)

	stale, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	d, ok := recv(t, stale)
	if !ok || !d.Gap {
		t.Fatalf("expected gap marker, got %+v (open=%v)", d, ok)
	}
	expectClosed(t, stale)
	<-stale.Done()
	if err := stale.Err(); err != nil {
		t.Fatalf("gap termination should not be an error, got %v", err)
	}

	fresh, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 3)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer fresh.Close()
	recvVersion(t, fresh, 4)
	recvVersion(t, fresh, 5)

	publishStatus(t, b, "d1", 1)
	recvVersion(t, fresh, 6)
}

// TestSubscribeOnlyNew 验证 lastSeenVersion 为 0 时不回放积压记录。
func TestSubscribeOnlyNew(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(10)
	publishStatus(t, b, "d1", 3)

	sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)

	select {
	case d := <-sub.Deliveries():
		t.Fatalf("unexpected delivery before publish: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}

	publishStatus(t, b, "d1", 1)
	recvVersion(t, sub, 4)
}

// TestSubscribeOnlyNewOnEmptyStream 验证空流上的只看新数据订阅能收到第一条记录。
func TestSubscribeOnlyNewOnEmptyStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(10)
	sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)

	publishStatus(t, b, "d1", 2)
	recvVersion(t, sub, 1)
	recvVersion(t, sub, 2)
}

// TestSubscribeFromFuture 验证 lastSeenVersion 大于当前最新 version（流已重置）时得到 gap。
func TestSubscribeFromFuture(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(10)
	publishStatus(t, b, "d1", 2)

	sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 9)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	d, ok := recv(t, sub)
	if !ok || !d.Gap {
		t.Fatalf("expected gap marker, got %+v (open=%v)", d, ok)
	}
	expectClosed(t, sub)
}

// TestSubscriptionIsolation 验证不同 division、不同事件类型之间互不可见。
func TestSubscriptionIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(10)
	sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)

	publishStatus(t, b, "d2", 3)
	if _, err := b.Publish(context.Background(), "d1", model.EventTypeSessionAborted, model.SessionAborted{SessionID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publishStatus(t, b, "d1", 1)

	d, ok := recv(t, sub)
	if !ok || d.Gap {
		t.Fatalf("expected record, got %+v (open=%v)", d, ok)
	}
	if d.Record.DivisionID != "d1" || d.Record.EventType != model.EventTypeRubric || d.Record.Version != 1 {
		t.Fatalf("unexpected record %+v", d.Record)
	}
}

// TestSubscriptionCancel 验证 ctx 取消与 Close 都能及时结束订阅，且不残留 goroutine。
func TestSubscriptionCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(10)

	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := b.Subscribe(ctx, "d1", model.EventTypeRubric, 0)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		waitReady(t, sub)
		cancel()

		select {
		case <-sub.Done():
		case <-time.After(recvTimeout):
			t.Fatalf("subscription did not stop after cancel")
		}
		expectClosed(t, sub)
	})

	t.Run("close", func(t *testing.T) {
		sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 0)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		waitReady(t, sub)

		done := make(chan struct{})
		go func() {
			_ = sub.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(recvTimeout):
			t.Fatalf("close blocked")
		}
		expectClosed(t, sub)
	})

	t.Run("blocked send", func(t *testing.T) {
		// 消费者不读取，订阅阻塞在发送上；Close 仍然要能返回。
		blocked := newTestBus(10, WithSubscriptionBuffer(0))
		publishStatus(t, blocked, "d1", 3)
		sub, err := blocked.Subscribe(context.Background(), "d1", model.EventTypeRubric, 1)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		waitReady(t, sub)
		if err := sub.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
}

// TestSlowConsumerGetsGap 验证消费者落后于保留窗口时收到 gap，而不是静默丢记录。
func TestSlowConsumerGetsGap(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(3, WithSubscriptionBuffer(0))
	publishStatus(t, b, "d1", 2)

	sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitReady(t, sub)

	// 订阅已读到 version 2 并阻塞在发送上；此后 3 被淘汰，交付 2 之后只能给出 gap。
	publishStatus(t, b, "d1", 4)

	recvVersion(t, sub, 2)
	d, ok := recv(t, sub)
	if !ok || !d.Gap {
		t.Fatalf("expected gap marker, got %+v (open=%v)", d, ok)
	}
	expectClosed(t, sub)
}

// TestConcurrentPublishersOrdered 验证并发发布下每个订阅者看到的 version 连续且严格递增。
func TestConcurrentPublishersOrdered(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		publishers  = 4
		perPub      = 50
		subscribers = 3
	)
	b := newTestBus(publishers*perPub + 10)
	publishStatus(t, b, "d1", 1)

	subs := make([]*Subscription, 0, subscribers)
	for i := 0; i < subscribers; i++ {
		sub, err := b.Subscribe(context.Background(), "d1", model.EventTypeRubric, 1)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPub; i++ {
				if _, err := b.Publish(context.Background(), "d1", model.EventTypeRubric, model.RubricStatusUpdated{RubricID: "r1", Status: "draft"}); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}

	for _, sub := range subs {
		for want := uint64(2); want <= publishers*perPub+1; want++ {
			recvVersion(t, sub, want)
		}
	}
	wg.Wait()
}
