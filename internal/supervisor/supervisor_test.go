package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rakunlabs/voidmerge/internal/capability"
	"github.com/rakunlabs/voidmerge/internal/msghub"
	"github.com/rakunlabs/voidmerge/internal/objstore"
)

func newTestStore(t *testing.T) *objstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "voidmerge-supervisor-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := objstore.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

const echoSource = `
registerHandler(async function(trigger) {
  if (trigger.type === "fnReq") {
    return { status: 200, body: trigger.path };
  }
  if (trigger.type === "objCheckReq") {
    if (trigger.meta.appPath === "forbidden") {
      throw new Error("nope");
    }
    return {};
  }
  return {};
});
`

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	store := newTestStore(t)
	hub := msghub.New()
	sup := New("ctx-1", map[string]any{}, store, hub, CronBounds{})
	if err := sup.Start(context.Background(), echoSource); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sup.Shutdown)
	return sup
}

func TestHandleFnRoundTrips(t *testing.T) {
	sup := newTestSupervisor(t)

	resp, err := sup.HandleFn(context.Background(), capability.FnRequest{Method: "GET", Path: "/ping"})
	if err != nil {
		t.Fatalf("HandleFn: %v", err)
	}
	if string(resp.Body) != "/ping" {
		t.Fatalf("expected body %q, got %q", "/ping", resp.Body)
	}
}

func TestHandleFnSerializesConcurrentCalls(t *testing.T) {
	sup := newTestSupervisor(t)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := sup.HandleFn(context.Background(), capability.FnRequest{Method: "GET", Path: "/x"})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("HandleFn: %v", err)
		}
	}
}

func TestHandleObjPutGatedByObjCheck(t *testing.T) {
	sup := newTestSupervisor(t)

	meta, err := sup.HandleObjPut(context.Background(), capability.ObjMeta{AppPath: "allowed"}, []byte("data"))
	if err != nil {
		t.Fatalf("HandleObjPut: %v", err)
	}
	if meta.ByteLength != 4 {
		t.Fatalf("expected byteLength 4, got %d", meta.ByteLength)
	}

	got, data, err := sup.ObjGet(capability.ObjMeta{AppPath: "allowed"})
	if err != nil {
		t.Fatalf("ObjGet: %v", err)
	}
	if string(data) != "data" || got.AppPath != "allowed" {
		t.Fatalf("unexpected stored object: %+v %q", got, data)
	}
}

func TestHandleObjPutRejectedNeverCommits(t *testing.T) {
	sup := newTestSupervisor(t)

	_, err := sup.HandleObjPut(context.Background(), capability.ObjMeta{AppPath: "forbidden"}, []byte("data"))
	if capability.KindOf(err) != capability.KindHandlerRejected {
		t.Fatalf("expected HandlerRejected, got %v", capability.KindOf(err))
	}

	if _, _, err := sup.ObjGet(capability.ObjMeta{AppPath: "forbidden"}); capability.KindOf(err) != capability.KindNotFound {
		t.Fatalf("expected the rejected put to never reach the store, got %v", err)
	}
}

func TestClampCronInterval(t *testing.T) {
	five := 5.0
	low := 0.001
	high := 999999.0

	if got := clampCronInterval(nil, CronBounds{}); got != nil {
		t.Fatalf("expected nil passthrough, got %v", got)
	}
	if got := clampCronInterval(&five, CronBounds{MinIntervalSecs: 1, MaxIntervalSecs: 10}); got == nil || *got != 5 {
		t.Fatalf("expected 5 unclamped, got %v", got)
	}
	if got := clampCronInterval(&low, CronBounds{MinIntervalSecs: 0.01, MaxIntervalSecs: 86400}); got == nil || *got != 0.01 {
		t.Fatalf("expected clamp to min 0.01, got %v", got)
	}
	if got := clampCronInterval(&high, CronBounds{MinIntervalSecs: 0.01, MaxIntervalSecs: 86400}); got == nil || *got != 86400 {
		t.Fatalf("expected clamp to max 86400, got %v", got)
	}
}

func TestCronTickerDeliversTick(t *testing.T) {
	store := newTestStore(t)
	hub := msghub.New()

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "codeConfigReq") {
    return { cronIntervalSecs: 0.01 };
  }
  if (trigger.type === "cronReq") {
    VM.msgSend({ msgId: VM.msgList().msgIdList[0], msg: "tick" });
  }
  return {};
});
`
	sup := New("ctx-cron", nil, store, hub, CronBounds{MinIntervalSecs: 0.001, MaxIntervalSecs: 60})
	msgID := hub.MsgNew()
	if err := sup.Start(context.Background(), source); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Shutdown()

	if sup.CronIntervalSecs() == nil || *sup.CronIntervalSecs() != 0.01 {
		t.Fatalf("expected cron interval 0.01, got %v", sup.CronIntervalSecs())
	}

	queue, detach, err := hub.Subscribe(msgID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer detach()

	select {
	case msg := <-queue:
		if msg != "tick" {
			t.Fatalf("expected %q, got %v", "tick", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cron tick")
	}
}
