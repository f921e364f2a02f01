// Package engine is the top-level registry that ties the Object Store,
// Message Hub, Isolate Runtime, and Context Supervisor together into one
// context execution engine (spec §2). It owns lazy per-context
// construction: a stored context's Supervisor is built on first reference
// and lives until explicit teardown (spec §3 "Context"); an id with no
// stored record fails NotFound.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/voidmerge/internal/capability"
	"github.com/rakunlabs/voidmerge/internal/config"
	"github.com/rakunlabs/voidmerge/internal/ctxstore"
	"github.com/rakunlabs/voidmerge/internal/isolate"
	"github.com/rakunlabs/voidmerge/internal/msghub"
	"github.com/rakunlabs/voidmerge/internal/objstore"
	"github.com/rakunlabs/voidmerge/internal/supervisor"
)

// Engine owns every live context's Supervisor plus the shared stores.
type Engine struct {
	contexts *ctxstore.Store
	objects  *objstore.Store
	cron     config.Cron

	mu   sync.Mutex
	live map[string]*supervisor.Supervisor
	hubs map[string]*msghub.Hub
}

func New(contexts *ctxstore.Store, objects *objstore.Store, cron config.Cron) *Engine {
	return &Engine{
		contexts: contexts,
		objects:  objects,
		cron:     cron,
		live:     make(map[string]*supervisor.Supervisor),
		hubs:     make(map[string]*msghub.Hub),
	}
}

// CreateContext persists a new context and loads its isolate immediately,
// so a startup error surfaces to the caller of the admin API rather than
// to the first client request.
func (e *Engine) CreateContext(ctx context.Context, id, code string, env map[string]any) error {
	e.mu.Lock()
	if _, exists := e.live[id]; exists {
		e.mu.Unlock()
		return capability.NewError(capability.KindInvalidInput, "context %q already exists", id)
	}
	e.mu.Unlock()

	if _, ok, err := e.contexts.Get(ctx, id); err != nil {
		return err
	} else if ok {
		return capability.NewError(capability.KindInvalidInput, "context %q already exists", id)
	}

	if _, err := e.contexts.Create(ctx, id, code, env); err != nil {
		return fmt.Errorf("persist context %s: %w", id, err)
	}

	return e.load(ctx, id)
}

// Get returns the live Supervisor for id, loading it from the context
// store on first reference (spec §3 "Created lazily on first reference").
func (e *Engine) Get(ctx context.Context, id string) (*supervisor.Supervisor, error) {
	e.mu.Lock()
	sup, ok := e.live[id]
	e.mu.Unlock()
	if ok {
		return sup, nil
	}

	if err := e.load(ctx, id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	sup = e.live[id]
	e.mu.Unlock()
	return sup, nil
}

// Hub returns the live Message Hub for id, loading the context if it is not
// already live (used by the msg-listen WebSocket endpoint, spec §6).
func (e *Engine) Hub(ctx context.Context, id string) (*msghub.Hub, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	hub, ok := e.hubs[id]
	e.mu.Unlock()
	if !ok {
		return nil, capability.NewError(capability.KindNotFound, "context %q not found", id)
	}
	return hub, nil
}

func (e *Engine) load(ctx context.Context, id string) error {
	rec, ok, err := e.contexts.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load context %s: %w", id, err)
	}
	if !ok {
		return capability.NewError(capability.KindNotFound, "context %q not found", id)
	}

	hub := msghub.New()
	sup := supervisor.New(id, rec.Env, e.objects, hub, supervisor.CronBounds{
		MinIntervalSecs: e.cron.MinIntervalSecs,
		MaxIntervalSecs: e.cron.MaxIntervalSecs,
	})
	if err := sup.Start(ctx, rec.Code); err != nil {
		return err
	}

	e.mu.Lock()
	e.live[id] = sup
	e.hubs[id] = hub
	e.mu.Unlock()

	logi.Ctx(ctx).Info("context loaded", "ctx", id)
	return nil
}

// Restart tears down and recreates the isolate for id from its
// still-stored code and environment (spec §4.4 Dead recovery, and
// SPEC_FULL.md's supplemented restart endpoint).
func (e *Engine) Restart(ctx context.Context, id string) error {
	e.mu.Lock()
	if sup, ok := e.live[id]; ok {
		sup.Shutdown()
		delete(e.live, id)
		delete(e.hubs, id)
	}
	e.mu.Unlock()

	return e.load(ctx, id)
}

// DeleteContext tears down the live Supervisor (if any) and removes the
// context registry row. Object Store data is left on disk.
func (e *Engine) DeleteContext(ctx context.Context, id string) error {
	e.mu.Lock()
	if sup, ok := e.live[id]; ok {
		sup.Shutdown()
		delete(e.live, id)
		delete(e.hubs, id)
	}
	e.mu.Unlock()

	return e.contexts.Delete(ctx, id)
}

// ContextInfo is the admin-facing snapshot of one context's state
// (SPEC_FULL.md §C.1 "GET /_vm_/context/{ctx}").
type ContextInfo struct {
	State            isolate.State
	CronIntervalSecs *float64
	CreatedAt        time.Time
}

// Info reports a context's current isolate state and creation time,
// loading the isolate if it is not already live.
func (e *Engine) Info(ctx context.Context, id string) (ContextInfo, error) {
	rec, ok, err := e.contexts.Get(ctx, id)
	if err != nil {
		return ContextInfo{}, fmt.Errorf("load context %s: %w", id, err)
	}
	if !ok {
		return ContextInfo{}, capability.NewError(capability.KindNotFound, "context %q not found", id)
	}

	sup, err := e.Get(ctx, id)
	if err != nil {
		return ContextInfo{}, err
	}

	return ContextInfo{
		State:            sup.State(),
		CronIntervalSecs: sup.CronIntervalSecs(),
		CreatedAt:        rec.CreatedAt,
	}, nil
}

// Len reports the number of currently loaded (live) contexts, used by the
// structured health endpoint (SPEC_FULL.md §C.4).
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Shutdown tears down every live context's Supervisor. Call on process
// exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sup := range e.live {
		sup.Shutdown()
		delete(e.live, id)
		delete(e.hubs, id)
	}
}
