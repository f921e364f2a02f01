package isolate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

// installBindings wires the host side of the capability surface (spec
// §4.3) and the minimal runtime shims (console, TextEncoder/TextDecoder)
// onto a freshly created goja runtime, following the same "one vm.Set per
// global function, panic with a goja error value on failure" shape as the
// teacher's registerGojaHelpers/registerGojaHTTPHelpers.
func installBindings(vm *goja.Runtime, caps Capabilities) {
	installConsole(vm)
	installTextCodec(vm)
	installVM(vm, caps)
}

func installConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	log := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			slog.Log(context.Background(), level, fmt.Sprint(args...))
			return goja.Undefined()
		}
	}
	console.Set("log", log(slog.LevelInfo))
	console.Set("info", log(slog.LevelInfo))
	console.Set("warn", log(slog.LevelWarn))
	console.Set("error", log(slog.LevelError))
	console.Set("debug", log(slog.LevelDebug))
	vm.Set("console", console)
}

// installTextCodec installs TextEncoder/TextDecoder backed by Go's UTF-8
// handling, per spec §4.4's "implementations that call host ops" (as
// opposed to a pure-JS polyfill).
func installTextCodec(vm *goja.Runtime) {
	encoderCtor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		obj.Set("encode", func(c goja.FunctionCall) goja.Value {
			s := c.Argument(0).String()
			return vm.ToValue(vm.NewArrayBuffer([]byte(s)))
		})
		return nil
	}
	vm.Set("TextEncoder", encoderCtor)

	decoderCtor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		obj.Set("decode", func(c goja.FunctionCall) goja.Value {
			exported := c.Argument(0).Export()
			var data []byte
			switch v := exported.(type) {
			case []byte:
				data = v
			case goja.ArrayBuffer:
				data = v.Bytes()
			}
			return vm.ToValue(string(data))
		})
		return nil
	}
	vm.Set("TextDecoder", decoderCtor)
}

// installVM installs the global VM namespace: objPut/objGet/objList/objRm,
// msgNew/msgList/msgSend, and the synchronous ctx()/env() accessors (spec
// §4.3). Each op is a plain (non-Promise-returning) host function; when
// awaited from inside an async handler, a synchronous throw here becomes a
// rejected promise, and a plain return value resolves trivially — both
// driven by the event loop's job queue, no manual Promise plumbing needed.
func installVM(vm *goja.Runtime, caps Capabilities) {
	ns := vm.NewObject()

	ns.Set("ctx", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(caps.CtxID())
	})
	ns.Set("env", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(caps.Env())
	})

	ns.Set("objPut", func(call goja.FunctionCall) goja.Value {
		var req capability.ObjPutRequest
		mustArg(vm, call, 0, &req)
		meta, err := caps.ObjPut(req.Meta, req.Data)
		if err != nil {
			throwCapabilityError(vm, err)
		}
		return vm.ToValue(capability.ObjPutResponse{Meta: meta})
	})

	ns.Set("objGet", func(call goja.FunctionCall) goja.Value {
		var req capability.ObjGetRequest
		mustArg(vm, call, 0, &req)
		meta, data, err := caps.ObjGet(req.Meta)
		if err != nil {
			throwCapabilityError(vm, err)
		}
		return vm.ToValue(capability.ObjGetResponse{Meta: meta, Data: data})
	})

	ns.Set("objList", func(call goja.FunctionCall) goja.Value {
		var req capability.ObjListRequest
		mustArg(vm, call, 0, &req)
		metas, err := caps.ObjList(req)
		if err != nil {
			throwCapabilityError(vm, err)
		}
		return vm.ToValue(capability.ObjListResponse{MetaList: metas})
	})

	ns.Set("objRm", func(call goja.FunctionCall) goja.Value {
		var req capability.ObjRmRequest
		mustArg(vm, call, 0, &req)
		if err := caps.ObjRm(req.Meta); err != nil {
			throwCapabilityError(vm, err)
		}
		return vm.ToValue(capability.ObjRmResponse{})
	})

	ns.Set("msgNew", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(capability.MsgNewResponse{MsgID: caps.MsgNew()})
	})

	ns.Set("msgList", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(capability.MsgListResponse{MsgIDList: caps.MsgList()})
	})

	ns.Set("msgSend", func(call goja.FunctionCall) goja.Value {
		var req capability.MsgSendRequest
		mustArg(vm, call, 0, &req)
		if err := caps.MsgSend(req.MsgID, req.Msg); err != nil {
			throwCapabilityError(vm, err)
		}
		return vm.ToValue(capability.MsgSendResponse{})
	})

	vm.Set("VM", ns)
}

// mustArg decodes call's argument at index into target via a JSON round
// trip through the exported value, panicking an InvalidInput capability
// error on shape mismatch.
func mustArg(vm *goja.Runtime, call goja.FunctionCall, index int, target any) {
	arg := call.Argument(index)
	data, err := json.Marshal(arg.Export())
	if err != nil {
		throwCapabilityError(vm, capability.NewError(capability.KindInvalidInput, "marshal argument %d: %v", index, err))
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		throwCapabilityError(vm, capability.NewError(capability.KindInvalidInput, "argument %d: %v", index, err))
	}
}

// throwCapabilityError panics with a goja Error object carrying the
// taxonomic kind as a "kind" field, so jsErrToGo can recover it on the
// other side of a trigger dispatch.
func throwCapabilityError(vm *goja.Runtime, err error) {
	kind := capability.KindOf(err)
	errVal := vm.NewGoError(fmt.Errorf("%s", err.Error()))
	if obj, ok := errVal.(*goja.Object); ok {
		obj.Set("kind", string(kind))
	}
	panic(errVal)
}

// structFieldsToMap flattens a JSON-tagged struct into a map[string]any
// via a JSON round trip, used to build the { type, ...payload } trigger
// request objects handed to the isolate.
func structFieldsToMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// decodeCodeConfigResponse decodes a codeConfigReq handler return value
// (already Export()-ed to a native Go value by goja) into the typed
// response.
func decodeCodeConfigResponse(raw any) (capability.CodeConfigResponse, error) {
	var resp capability.CodeConfigResponse
	data, err := json.Marshal(raw)
	if err != nil {
		return resp, err
	}
	err = json.Unmarshal(data, &resp)
	return resp, err
}

// decodeFnResponse decodes an fnReq handler return value into the typed
// response, accepting either a string or a byte array for the body field
// since JS handlers commonly return a plain string.
func decodeFnResponse(raw any) (capability.FnResponse, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return capability.FnResponse{}, fmt.Errorf("fnReq response: expected an object, got %T", raw)
	}

	resp := capability.FnResponse{Headers: map[string]string{}}

	if status, ok := m["status"]; ok {
		switch v := status.(type) {
		case int64:
			resp.Status = int(v)
		case float64:
			resp.Status = int(v)
		}
	}
	if resp.Status == 0 {
		resp.Status = 200
	}

	switch v := m["body"].(type) {
	case []byte:
		resp.Body = v
	case string:
		resp.Body = []byte(v)
	case nil:
		resp.Body = nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return capability.FnResponse{}, fmt.Errorf("fnReq response: marshal body: %w", err)
		}
		resp.Body = data
	}

	if headers, ok := m["headers"].(map[string]any); ok {
		for k, v := range headers {
			resp.Headers[k] = fmt.Sprint(v)
		}
	}

	return resp, nil
}
