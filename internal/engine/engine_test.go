package engine

import (
	"context"
	"testing"

	"github.com/rakunlabs/voidmerge/internal/capability"
	"github.com/rakunlabs/voidmerge/internal/config"
	"github.com/rakunlabs/voidmerge/internal/ctxstore"
	"github.com/rakunlabs/voidmerge/internal/isolate"
	"github.com/rakunlabs/voidmerge/internal/objstore"
)

const echoCode = `
registerHandler(async function(trigger) {
  if (trigger.type === "fnReq") {
    return { status: 200, body: trigger.path };
  }
  return {};
});
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	contexts, err := ctxstore.Open(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("ctxstore.Open: %v", err)
	}
	t.Cleanup(func() { contexts.Close() })

	objects, err := objstore.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	t.Cleanup(func() { objects.Close() })

	eng := New(contexts, objects, config.Cron{MinIntervalSecs: 0.01, MaxIntervalSecs: 86400})
	t.Cleanup(eng.Shutdown)
	return eng
}

func TestCreateContextAndDispatch(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateContext(ctx, "demo", echoCode, nil); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	sup, err := eng.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	resp, err := sup.HandleFn(ctx, capability.FnRequest{Method: "GET", Path: "/hello"})
	if err != nil {
		t.Fatalf("HandleFn: %v", err)
	}
	if string(resp.Body) != "/hello" {
		t.Fatalf("expected body %q, got %q", "/hello", resp.Body)
	}
}

func TestCreateContextDuplicateFails(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateContext(ctx, "demo", echoCode, nil); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	err := eng.CreateContext(ctx, "demo", echoCode, nil)
	if capability.KindOf(err) != capability.KindInvalidInput {
		t.Fatalf("expected InvalidInput for duplicate context, got %v", err)
	}
}

func TestGetUnknownContextNotFound(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Get(context.Background(), "does-not-exist")
	if capability.KindOf(err) != capability.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestInfoReportsStateAndCreatedAt(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateContext(ctx, "demo", echoCode, nil); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	info, err := eng.Info(ctx, "demo")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.State != isolate.StateIdle {
		t.Fatalf("expected state %s, got %s", isolate.StateIdle, info.State)
	}
	if info.CreatedAt.IsZero() {
		t.Fatal("expected a non-zero CreatedAt")
	}
}

func TestDeleteContextRemovesRegistryRow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateContext(ctx, "demo", echoCode, nil); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if eng.Len() != 1 {
		t.Fatalf("expected 1 live context, got %d", eng.Len())
	}

	if err := eng.DeleteContext(ctx, "demo"); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	if eng.Len() != 0 {
		t.Fatalf("expected 0 live contexts after delete, got %d", eng.Len())
	}

	_, err := eng.Get(ctx, "demo")
	if capability.KindOf(err) != capability.KindNotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestRestartReloadsFromStoredCode(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.CreateContext(ctx, "demo", echoCode, nil); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if err := eng.Restart(ctx, "demo"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	sup, err := eng.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	resp, err := sup.HandleFn(ctx, capability.FnRequest{Method: "GET", Path: "/after-restart"})
	if err != nil {
		t.Fatalf("HandleFn after restart: %v", err)
	}
	if string(resp.Body) != "/after-restart" {
		t.Fatalf("expected body %q, got %q", "/after-restart", resp.Body)
	}
}
