package msghub

import (
	"testing"
	"time"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

func TestMsgNewListSend(t *testing.T) {
	h := New()

	id := h.MsgNew()
	if id == "" {
		t.Fatal("expected non-empty msgId")
	}

	ids := h.MsgList()
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected list %v to contain only %q", ids, id)
	}

	if err := h.MsgSend(id, "hello"); err != nil {
		t.Fatalf("MsgSend: %v", err)
	}
}

func TestMsgSendUnknownChannel(t *testing.T) {
	h := New()

	err := h.MsgSend("does-not-exist", "hi")
	if capability.KindOf(err) != capability.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMsgSendQueueFull(t *testing.T) {
	h := New()
	id := h.MsgNew()

	for i := 0; i < QueueDepth; i++ {
		if err := h.MsgSend(id, i); err != nil {
			t.Fatalf("MsgSend %d: %v", i, err)
		}
	}

	err := h.MsgSend(id, "overflow")
	if capability.KindOf(err) != capability.KindQueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	h := New()
	id := h.MsgNew()

	if err := h.MsgSend(id, "first"); err != nil {
		t.Fatalf("MsgSend: %v", err)
	}
	if err := h.MsgSend(id, "second"); err != nil {
		t.Fatalf("MsgSend: %v", err)
	}

	queue, detach, err := h.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer detach()

	if got := <-queue; got != "first" {
		t.Fatalf("expected %q, got %v", "first", got)
	}
	if got := <-queue; got != "second" {
		t.Fatalf("expected %q, got %v", "second", got)
	}
}

func TestSubscribeAlreadySubscribed(t *testing.T) {
	h := New()
	id := h.MsgNew()

	_, detach, err := h.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer detach()

	_, _, err = h.Subscribe(id)
	if capability.KindOf(err) != capability.KindAlreadySubscribed {
		t.Fatalf("expected AlreadySubscribed, got %v", err)
	}
}

func TestSubscribeUnknownChannel(t *testing.T) {
	h := New()

	_, _, err := h.Subscribe("does-not-exist")
	if capability.KindOf(err) != capability.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCloseUnblocksParkedListener(t *testing.T) {
	h := New()
	id := h.MsgNew()

	queue, detach, err := h.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer detach()

	done := make(chan bool, 1)
	go func() {
		_, ok := <-queue
		done <- ok
	}()

	h.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected queue to report closed (ok=false)")
		}
	case <-time.After(time.Second):
		t.Fatal("listener goroutine never unblocked after Close")
	}
}

func TestDetachDestroysChannel(t *testing.T) {
	h := New()
	id := h.MsgNew()

	_, detach, err := h.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	detach()

	if err := h.MsgSend(id, "late"); capability.KindOf(err) != capability.KindNotFound {
		t.Fatalf("expected NotFound after detach, got %v", err)
	}
}
