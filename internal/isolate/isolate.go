// Package isolate hosts exactly one JavaScript isolate per context (spec
// §4.4): a goja runtime kept warm across triggers, driven by the
// goja_nodejs cooperative event loop so async/await and Promise chains
// inside user code behave the way they do in a real JS engine.
//
// The host-function bindings (TextEncoder/TextDecoder, the capability
// surface, console) follow the same "panic with a goja error value on
// failure" idiom the teacher uses for its httpGet/httpPost helpers in
// internal/service/workflow/goja.go, generalized from ad hoc TypeErrors to
// the taxonomic *capability.Error carried across the whole engine.
package isolate

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

// State is one of the isolate lifecycle states from spec §4.4's diagram.
type State string

const (
	StateLoading         State = "Loading"
	StateConfiguringCron State = "ConfiguringCron"
	StateIdle            State = "Idle"
	StateHandling        State = "Handling"
	StateDead            State = "Dead"
)

// Capabilities is the host-side implementation of the capability surface
// (spec §4.3) that the isolate's VM.* bindings call into. The Context
// Supervisor implements this by wiring an objstore.Store and a msghub.Hub
// scoped to one context.
type Capabilities interface {
	CtxID() string
	Env() any
	ObjPut(meta capability.ObjMeta, data []byte) (capability.ObjMeta, error)
	ObjGet(meta capability.ObjMeta) (capability.ObjMeta, []byte, error)
	ObjList(req capability.ObjListRequest) ([]capability.ObjMeta, error)
	ObjRm(meta capability.ObjMeta) error
	MsgNew() string
	MsgList() []string
	MsgSend(msgID string, msg any) error
}

// Isolate is one per-context JavaScript engine instance.
type Isolate struct {
	loop *eventloop.EventLoop
	caps Capabilities

	mu    sync.Mutex
	state State

	dispatch goja.Value // the handler function value, set once registerHandler(fn) runs in user code
}

// New constructs an Isolate bound to caps. The goja runtime is not created
// until Load runs.
func New(caps Capabilities) *Isolate {
	return &Isolate{caps: caps, state: StateLoading}
}

func (iso *Isolate) State() State {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.state
}

func (iso *Isolate) setState(s State) {
	iso.mu.Lock()
	iso.state = s
	iso.mu.Unlock()
}

// Load runs the initialization sequence from spec §4.4: create the
// runtime, install bindings, evaluate the user source, then dispatch
// codeConfigReq to learn cronIntervalSecs. It returns the parsed
// CodeConfigResponse so the Supervisor can decide whether to start a
// cron timer.
func (iso *Isolate) Load(ctx context.Context, source string) (capability.CodeConfigResponse, error) {
	registry := new(require.Registry)
	iso.loop = eventloop.NewEventLoop(eventloop.WithRegistry(registry), eventloop.EnableConsole(false))
	iso.loop.Start()

	type loadResult struct {
		err error
	}
	resultCh := make(chan loadResult, 1)

	iso.loop.RunOnLoop(func(vm *goja.Runtime) {
		// Expose Go structs handed to JS under their json tag names, so
		// VM.* results read as { meta: { byteLength } } rather than Meta.ByteLength.
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		installBindings(vm, iso.caps)
		vm.Set("__vm_register", func(call goja.FunctionCall) goja.Value {
			fn := call.Argument(0)
			if _, ok := goja.AssertFunction(fn); !ok {
				panic(vm.NewTypeError("register: expected a function"))
			}
			iso.dispatch = fn
			return goja.Undefined()
		})
		if _, err := vm.RunString(wrapperPrelude); err != nil {
			resultCh <- loadResult{err: fmt.Errorf("install runtime prelude: %w", err)}
			return
		}
		if _, err := vm.RunString(source); err != nil {
			resultCh <- loadResult{err: fmt.Errorf("evaluate user source: %w", err)}
			return
		}
		resultCh <- loadResult{}
	})

	if r := <-resultCh; r.err != nil {
		iso.setState(StateDead)
		iso.loop.Stop()
		return capability.CodeConfigResponse{}, r.err
	}

	iso.setState(StateConfiguringCron)

	var cfg capability.CodeConfigResponse
	raw, err := iso.invoke(capability.TriggerCodeConfig, capability.CodeConfigRequest{})
	if err != nil {
		iso.setState(StateDead)
		return capability.CodeConfigResponse{}, err
	}
	cfg, err = decodeCodeConfigResponse(raw)
	if err != nil {
		iso.setState(StateDead)
		return capability.CodeConfigResponse{}, fmt.Errorf("decode codeConfigReq response: %w", err)
	}

	iso.setState(StateIdle)
	return cfg, nil
}

// Shutdown tears down the event loop. The isolate is unusable afterward.
func (iso *Isolate) Shutdown() {
	iso.setState(StateDead)
	if iso.loop != nil {
		iso.loop.Stop()
	}
}

// Cron dispatches a cronReq (spec §4.4/§4.5).
func (iso *Isolate) Cron(ctx context.Context) error {
	_, err := iso.dispatchTrigger(capability.TriggerCron, capability.CronRequest{})
	return err
}

// ObjCheck dispatches an objCheckReq. Any error the handler raises becomes
// HandlerRejected (spec §4.5 ObjCheck gating); EngineDown passes through.
func (iso *Isolate) ObjCheck(ctx context.Context, req capability.ObjCheckRequest) error {
	_, err := iso.dispatchTrigger(capability.TriggerObjCheck, req)
	if err != nil {
		if capability.KindOf(err) != capability.KindEngineDown {
			return capability.NewError(capability.KindHandlerRejected, "%s", err.Error())
		}
		return err
	}
	return nil
}

// Fn dispatches an fnReq and decodes the result into an FnResponse.
func (iso *Isolate) Fn(ctx context.Context, req capability.FnRequest) (capability.FnResponse, error) {
	raw, err := iso.dispatchTrigger(capability.TriggerFn, req)
	if err != nil {
		return capability.FnResponse{}, err
	}
	resp, err := decodeFnResponse(raw)
	if err != nil {
		return capability.FnResponse{}, fmt.Errorf("decode fnReq response: %w", err)
	}
	return resp, nil
}

// dispatchTrigger enforces the Idle→Handling→Idle transition around invoke,
// and converts a dead isolate into EngineDown per spec §4.4/§7.
func (iso *Isolate) dispatchTrigger(typ capability.TriggerType, payload any) (any, error) {
	if iso.State() != StateIdle {
		return nil, capability.NewError(capability.KindEngineDown, "isolate is not idle (state=%s)", iso.State())
	}

	iso.setState(StateHandling)
	raw, err := iso.invoke(typ, payload)
	if err != nil {
		if _, isPanic := err.(panicError); isPanic {
			iso.setState(StateDead)
			return nil, capability.NewError(capability.KindEngineDown, "isolate panicked: %v", err)
		}
		iso.setState(StateIdle)
		return nil, err
	}
	iso.setState(StateIdle)
	return raw, nil
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

// invoke calls the registered handler with a tagged trigger request and
// waits for its returned Promise (or Promise.resolve-wrapped plain value)
// to settle. It blocks the calling goroutine, NOT the event loop goroutine:
// RunOnLoop only schedules the Promise.resolve/.then chain and returns
// immediately, and the channel send happens later from within a
// loop-processed microtask once the handler settles.
//
// A Go-level panic raised from inside a host binding runs on the event
// loop's own goroutine (started by Load via iso.loop.Start()), not on the
// caller's goroutine, so recover() must be registered inside the
// RunOnLoop closure itself — recover() only catches a panic on the same
// goroutine as the deferred call registering it.
func (iso *Isolate) invoke(typ capability.TriggerType, payload any) (result any, err error) {
	type outcome struct {
		val any
		err error
	}
	resultCh := make(chan outcome, 1)

	iso.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: panicError{v: r}}
			}
		}()

		if iso.dispatch == nil {
			resultCh <- outcome{err: fmt.Errorf("handler was never registered via registerHandler()")}
			return
		}

		reqVal := vm.ToValue(taggedRequest(typ, payload))

		onDone := func(call goja.FunctionCall) goja.Value {
			errArg := call.Argument(0)
			okArg := call.Argument(1)
			if !goja.IsUndefined(errArg) && !goja.IsNull(errArg) {
				resultCh <- outcome{err: jsErrToGo(errArg)}
			} else {
				resultCh <- outcome{val: okArg.Export()}
			}
			return goja.Undefined()
		}

		settle, ok := goja.AssertFunction(vm.Get("__vm_settle"))
		if !ok {
			resultCh <- outcome{err: fmt.Errorf("runtime prelude missing __vm_settle")}
			return
		}

		if _, callErr := settle(goja.Undefined(), iso.dispatch, reqVal, vm.ToValue(onDone)); callErr != nil {
			resultCh <- outcome{err: callErr}
		}
	})

	o := <-resultCh
	return o.val, o.err
}

// taggedRequest builds the { type, ...payload } wire shape the handler
// inspects to tell trigger kinds apart (spec §4.4).
func taggedRequest(typ capability.TriggerType, payload any) map[string]any {
	fields := structFieldsToMap(payload)
	fields["type"] = string(typ)
	return fields
}

// wrapperPrelude installs __vm_settle, the glue that normalizes the
// handler's return value (sync value, or Promise) into an onDone(err, ok)
// callback, and registerHandler, the function user code calls to install
// its dispatch function.
const wrapperPrelude = `
function registerHandler(fn) { __vm_register(fn); }
function __vm_settle(handler, trigger, onDone) {
  try {
    Promise.resolve(handler(trigger)).then(
      function(result) { onDone(undefined, result); },
      function(err) { onDone(err, undefined); }
    );
  } catch (err) {
    onDone(err, undefined);
  }
}
`

func jsErrToGo(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return capability.NewError(capability.KindHandlerError, "handler rejected with no error value")
	}
	obj, _ := v.(*goja.Object)
	kind := capability.KindHandlerError
	message := v.String()
	if obj != nil {
		if k := obj.Get("kind"); k != nil && !goja.IsUndefined(k) {
			kind = capability.Kind(k.String())
		}
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			message = m.String()
		}
	}
	stack := ""
	if obj != nil {
		if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
			stack = s.String()
		}
	}
	return &capability.Error{Kind: kind, Message: message, Stack: stack}
}
