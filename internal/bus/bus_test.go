package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundMessage_SessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "42"}
	if got := msg.SessionKey(); got != "telegram:42" {
		t.Errorf("SessionKey = %q, want telegram:42", got)
	}
}

func TestMessageBus_DispatchOutbound(t *testing.T) {
	b := NewMessageBus(10)
	got := make(chan OutboundMessage, 2)
	b.SubscribeOutbound("webui", func(msg OutboundMessage) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "telegram", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "webui", ChatID: "c1", Content: "hello"}

	select {
	case msg := <-got:
		if msg.Content != "hello" || msg.ChatID != "c1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatch")
	}

	select {
	case msg := <-got:
		t.Errorf("unexpected extra message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageBus_MultipleSubscribers(t *testing.T) {
	b := NewMessageBus(1)
	count := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		b.SubscribeOutbound("webui", func(OutboundMessage) { count <- struct{}{} })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	b.Outbound <- OutboundMessage{Channel: "webui"}

	for i := 0; i < 2; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d not called", i)
		}
	}
}

func TestMessageBus_StopsOnCancel(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchOutbound did not return after cancel")
	}
}
