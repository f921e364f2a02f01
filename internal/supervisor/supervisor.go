// Package supervisor implements the Context Supervisor (spec §4.5): the
// top-level actor for one context. It owns the Object Store handle, the
// Message Hub, and the Isolate Runtime, and serializes every inbound
// trigger onto a single FIFO worker so the isolate — a single-threaded,
// shared mutable resource — is never reentered while a prior call is
// suspended.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/voidmerge/internal/capability"
	"github.com/rakunlabs/voidmerge/internal/isolate"
	"github.com/rakunlabs/voidmerge/internal/msghub"
	"github.com/rakunlabs/voidmerge/internal/objstore"
)

// objCheckNestingLimit bounds HandleObjPut reentrancy. objCheckReq itself
// never reaches HandleObjPut in this implementation (a handler's check
// callback talks to the Object Store directly via VM.objPut, which skips
// gating), but the bound stays as the guard spec §9 asks for in case a
// future gated entry point (e.g. an admin-triggered put) composes through
// this path recursively.
const objCheckNestingLimit = 4

type reqKind int

const (
	reqFn reqKind = iota
	reqCron
	reqObjCheck
)

type workItem struct {
	kind    reqKind
	fn      capability.FnRequest
	objCk   capability.ObjCheckRequest
	resultC chan workResult
}

type workResult struct {
	fn  capability.FnResponse
	err error
}

// Supervisor is the per-context actor described in spec §4.5.
type Supervisor struct {
	ctxID string
	env   any

	store *objstore.Store
	hub   *msghub.Hub
	iso   *isolate.Isolate

	queue  chan workItem
	cronOn int32 // 1 when a cronReq is already queued; coalesces extra ticks

	cronStop chan struct{}
	wg       sync.WaitGroup

	nestDepth int32 // current objCheckReq recursion depth, for the nesting bound

	cronBounds       CronBounds
	cronIntervalSecs *float64
}

// CronBounds clamps a handler's codeConfigReq-declared cronIntervalSecs
// (SPEC_FULL.md "Cron" config) so a misbehaving handler cannot install a
// sub-millisecond or multi-day timer.
type CronBounds struct {
	MinIntervalSecs float64
	MaxIntervalSecs float64
}

// New constructs a Supervisor for one context. Call Start to load the
// isolate and begin serving triggers.
func New(ctxID string, env any, store *objstore.Store, hub *msghub.Hub, cronBounds CronBounds) *Supervisor {
	s := &Supervisor{
		ctxID:      ctxID,
		env:        env,
		store:      store,
		hub:        hub,
		queue:      make(chan workItem, 256),
		cronStop:   make(chan struct{}),
		cronBounds: cronBounds,
	}
	s.iso = isolate.New(s)
	return s
}

// ─── isolate.Capabilities ───

func (s *Supervisor) CtxID() string { return s.ctxID }
func (s *Supervisor) Env() any      { return s.env }

func (s *Supervisor) ObjPut(meta capability.ObjMeta, data []byte) (capability.ObjMeta, error) {
	meta.Ctx = s.ctxID
	return s.store.Put(context.Background(), meta, data)
}

func (s *Supervisor) ObjGet(meta capability.ObjMeta) (capability.ObjMeta, []byte, error) {
	return s.store.Get(context.Background(), s.ctxID, meta.AppPath)
}

func (s *Supervisor) ObjList(req capability.ObjListRequest) ([]capability.ObjMeta, error) {
	return s.store.List(context.Background(), s.ctxID, objstore.ListOptions{
		AppPathPrefix: req.AppPathPrefix,
		CreatedGt:     req.CreatedGt,
		Limit:         req.Limit,
	})
}

func (s *Supervisor) ObjRm(meta capability.ObjMeta) error {
	return s.store.Remove(context.Background(), s.ctxID, meta.AppPath)
}

func (s *Supervisor) MsgNew() string                 { return s.hub.MsgNew() }
func (s *Supervisor) MsgList() []string              { return s.hub.MsgList() }
func (s *Supervisor) MsgSend(id string, m any) error { return s.hub.MsgSend(id, m) }

// ─── lifecycle ───

// Start runs the isolate initialization sequence (spec §4.4), starts the
// FIFO worker, and — if the handler's codeConfigReq response names a
// positive cronIntervalSecs — starts the cron ticker.
func (s *Supervisor) Start(ctx context.Context, source string) error {
	cfg, err := s.iso.Load(ctx, source)
	if err != nil {
		return fmt.Errorf("context %s: load isolate: %w", s.ctxID, err)
	}

	s.wg.Add(1)
	go s.runWorker(ctx)

	s.cronIntervalSecs = clampCronInterval(cfg.CronIntervalSecs, s.cronBounds)
	if s.cronIntervalSecs != nil {
		s.wg.Add(1)
		go s.runCronTicker(ctx, time.Duration(*s.cronIntervalSecs*float64(time.Second)))
	}

	return nil
}

// clampCronInterval enforces CronBounds on a handler-declared interval. A
// nil or non-positive interval means "no cron timer" and passes through
// unchanged.
func clampCronInterval(secs *float64, bounds CronBounds) *float64 {
	if secs == nil || *secs <= 0 {
		return nil
	}
	v := *secs
	if bounds.MinIntervalSecs > 0 && v < bounds.MinIntervalSecs {
		v = bounds.MinIntervalSecs
	}
	if bounds.MaxIntervalSecs > 0 && v > bounds.MaxIntervalSecs {
		v = bounds.MaxIntervalSecs
	}
	return &v
}

// State reports the underlying isolate's lifecycle state (spec §4.4),
// used by the context-management admin API (SPEC_FULL.md §C.1).
func (s *Supervisor) State() isolate.State { return s.iso.State() }

// CronIntervalSecs reports the handler's configured cron interval, if any.
func (s *Supervisor) CronIntervalSecs() *float64 { return s.cronIntervalSecs }

// Shutdown stops the cron ticker and the FIFO worker and tears down the
// isolate. The Supervisor is unusable afterward.
func (s *Supervisor) Shutdown() {
	close(s.cronStop)
	close(s.queue)
	s.wg.Wait()
	s.iso.Shutdown()
	s.hub.Close()
}

func (s *Supervisor) runCronTicker(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cronStop:
			return
		case <-ticker.C:
			// Coalesce: at most one cronReq may be queued at a time (spec
			// §4.5). If the previous tick's work item hasn't been picked up
			// (or is still executing), this tick is dropped.
			if !atomic.CompareAndSwapInt32(&s.cronOn, 0, 1) {
				continue
			}
			select {
			case s.queue <- workItem{kind: reqCron}:
			default:
				atomic.StoreInt32(&s.cronOn, 0)
			}
		}
	}
}

// runWorker is the single FIFO worker draining the trigger queue (spec
// §4.5 "Serialization"). Every trigger dispatched to the isolate goes
// through this goroutine, one at a time.
func (s *Supervisor) runWorker(ctx context.Context) {
	defer s.wg.Done()

	for item := range s.queue {
		switch item.kind {
		case reqCron:
			if err := s.iso.Cron(ctx); err != nil {
				logi.Ctx(ctx).Error("cron trigger failed", "ctx", s.ctxID, "error", err)
			}
			atomic.StoreInt32(&s.cronOn, 0)

		case reqObjCheck:
			err := s.iso.ObjCheck(ctx, item.objCk)
			item.resultC <- workResult{err: err}

		case reqFn:
			resp, err := s.iso.Fn(ctx, item.fn)
			item.resultC <- workResult{fn: resp, err: err}
		}
	}
}

// HandleFn dispatches a client fnReq through the FIFO queue and waits for
// the result (spec §4.5 "Request interface").
func (s *Supervisor) HandleFn(ctx context.Context, req capability.FnRequest) (capability.FnResponse, error) {
	resultC := make(chan workResult, 1)
	select {
	case s.queue <- workItem{kind: reqFn, fn: req, resultC: resultC}:
	case <-ctx.Done():
		return capability.FnResponse{}, ctx.Err()
	}

	select {
	case r := <-resultC:
		return r.fn, r.err
	case <-ctx.Done():
		return capability.FnResponse{}, ctx.Err()
	}
}

// HandleObjPut implements the ObjCheck gating rule (spec §4.5): dispatch
// objCheckReq to the handler BEFORE the object reaches the Object Store,
// and only commit the put on success.
func (s *Supervisor) HandleObjPut(ctx context.Context, meta capability.ObjMeta, data []byte) (capability.ObjMeta, error) {
	if atomic.LoadInt32(&s.nestDepth) >= objCheckNestingLimit {
		return capability.ObjMeta{}, capability.NewError(capability.KindHandlerRejected, "objCheckReq nesting limit exceeded")
	}

	meta.Ctx = s.ctxID
	resultC := make(chan workResult, 1)

	atomic.AddInt32(&s.nestDepth, 1)
	defer atomic.AddInt32(&s.nestDepth, -1)

	select {
	case s.queue <- workItem{kind: reqObjCheck, objCk: capability.ObjCheckRequest{Data: data, Meta: meta}, resultC: resultC}:
	case <-ctx.Done():
		return capability.ObjMeta{}, ctx.Err()
	}

	var r workResult
	select {
	case r = <-resultC:
	case <-ctx.Done():
		return capability.ObjMeta{}, ctx.Err()
	}
	if r.err != nil {
		return capability.ObjMeta{}, r.err
	}

	return s.store.Put(ctx, meta, data)
}
