package isolate

import (
	"context"
	"testing"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

// fakeCaps is a minimal Capabilities implementation for exercising the
// isolate without a real objstore/msghub behind it.
type fakeCaps struct {
	ctxID string
	env   any

	objPutCalls int
	msgSent     []any

	objPutPanics bool
}

func (f *fakeCaps) CtxID() string { return f.ctxID }
func (f *fakeCaps) Env() any      { return f.env }

func (f *fakeCaps) ObjPut(meta capability.ObjMeta, data []byte) (capability.ObjMeta, error) {
	if f.objPutPanics {
		panic("simulated host binding panic")
	}
	f.objPutCalls++
	meta.ByteLength = len(data)
	return meta, nil
}
func (f *fakeCaps) ObjGet(meta capability.ObjMeta) (capability.ObjMeta, []byte, error) {
	return meta, []byte("stored"), nil
}
func (f *fakeCaps) ObjList(req capability.ObjListRequest) ([]capability.ObjMeta, error) {
	return nil, nil
}
func (f *fakeCaps) ObjRm(meta capability.ObjMeta) error { return nil }

func (f *fakeCaps) MsgNew() string    { return "msg-1" }
func (f *fakeCaps) MsgList() []string { return []string{"msg-1"} }
func (f *fakeCaps) MsgSend(msgID string, msg any) error {
	f.msgSent = append(f.msgSent, msg)
	return nil
}

func TestLoadReportsCronInterval(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1", env: map[string]any{"region": "eu"}}
	iso := New(caps)

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "codeConfigReq") {
    return { cronIntervalSecs: 5 };
  }
  return { status: 200, body: "ok" };
});
`
	cfg, err := iso.Load(context.Background(), source)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CronIntervalSecs == nil || *cfg.CronIntervalSecs != 5 {
		t.Fatalf("expected cronIntervalSecs=5, got %v", cfg.CronIntervalSecs)
	}
	if iso.State() != StateIdle {
		t.Fatalf("expected Idle after Load, got %s", iso.State())
	}
}

func TestFnDispatchRoundTrips(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1"}
	iso := New(caps)

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "fnReq") {
    return { status: 201, body: "handled:" + trigger.path, headers: { "x-handled": "yes" } };
  }
  return {};
});
`
	if _, err := iso.Load(context.Background(), source); err != nil {
		t.Fatalf("Load: %v", err)
	}

	resp, err := iso.Fn(context.Background(), capability.FnRequest{Method: "GET", Path: "/widgets"})
	if err != nil {
		t.Fatalf("Fn: %v", err)
	}
	if resp.Status != 201 {
		t.Fatalf("expected status 201, got %d", resp.Status)
	}
	if string(resp.Body) != "handled:/widgets" {
		t.Fatalf("expected body %q, got %q", "handled:/widgets", resp.Body)
	}
	if resp.Headers["x-handled"] != "yes" {
		t.Fatalf("expected x-handled header, got %v", resp.Headers)
	}
}

func TestFnHandlerRejectionKeepsThrownKind(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1"}
	iso := New(caps)

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "fnReq") {
    throw { kind: "InvalidInput", message: "bad path" };
  }
  return {};
});
`
	if _, err := iso.Load(context.Background(), source); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := iso.Fn(context.Background(), capability.FnRequest{Method: "GET", Path: "/x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if capability.KindOf(err) != capability.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", capability.KindOf(err))
	}
}

func TestObjCheckRejectionBecomesHandlerRejected(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1"}
	iso := New(caps)

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "objCheckReq") {
    throw new Error("not allowed");
  }
  return {};
});
`
	if _, err := iso.Load(context.Background(), source); err != nil {
		t.Fatalf("Load: %v", err)
	}

	err := iso.ObjCheck(context.Background(), capability.ObjCheckRequest{Meta: capability.ObjMeta{AppPath: "a"}})
	if capability.KindOf(err) != capability.KindHandlerRejected {
		t.Fatalf("expected HandlerRejected, got %v", capability.KindOf(err))
	}
}

func TestVMObjPutCallableFromHandler(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1"}
	iso := New(caps)

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "fnReq") {
    var res = VM.objPut({ meta: { appPath: "note" }, data: "aGk=" });
    return { status: 200, body: "bytes:" + res.meta.byteLength };
  }
  return {};
});
`
	if _, err := iso.Load(context.Background(), source); err != nil {
		t.Fatalf("Load: %v", err)
	}

	resp, err := iso.Fn(context.Background(), capability.FnRequest{Method: "PUT", Path: "/note"})
	if err != nil {
		t.Fatalf("Fn: %v", err)
	}
	if caps.objPutCalls != 1 {
		t.Fatalf("expected ObjPut called once, got %d", caps.objPutCalls)
	}
	if string(resp.Body) != "bytes:2" {
		t.Fatalf("expected bytes:2, got %q", resp.Body)
	}
}

func TestDispatchWhileHandlingFailsEngineDown(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1"}
	iso := New(caps)
	iso.setState(StateHandling)

	_, err := iso.Fn(context.Background(), capability.FnRequest{})
	if capability.KindOf(err) != capability.KindEngineDown {
		t.Fatalf("expected EngineDown, got %v", capability.KindOf(err))
	}
}

// TestGoPanicInHostBindingTransitionsDead forces a genuine Go-level panic
// from inside a host binding (VM.objPut), which runs on the event loop's
// own goroutine, not the caller's. It asserts the panic is recovered there
// and converted to Dead/EngineDown rather than crashing the test process.
func TestGoPanicInHostBindingTransitionsDead(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1", objPutPanics: true}
	iso := New(caps)

	source := `
registerHandler(async function(trigger) {
  if (trigger.type === "fnReq") {
    VM.objPut({ meta: { appPath: "note" }, data: "aGk=" });
    return { status: 200, body: "unreachable" };
  }
  return {};
});
`
	if _, err := iso.Load(context.Background(), source); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := iso.Fn(context.Background(), capability.FnRequest{Method: "PUT", Path: "/note"})
	if err == nil {
		t.Fatal("expected error from panicking host binding")
	}
	if capability.KindOf(err) != capability.KindEngineDown {
		t.Fatalf("expected EngineDown, got %v", capability.KindOf(err))
	}
	if iso.State() != StateDead {
		t.Fatalf("expected Dead after panic, got %s", iso.State())
	}
}

func TestLoadSyntaxErrorDies(t *testing.T) {
	caps := &fakeCaps{ctxID: "c1"}
	iso := New(caps)

	if _, err := iso.Load(context.Background(), `this is not valid js (((`); err == nil {
		t.Fatal("expected an error for invalid source")
	}
	if iso.State() != StateDead {
		t.Fatalf("expected Dead after failed Load, got %s", iso.State())
	}
}
