// Package capability defines the contract that crosses the host↔isolate
// boundary: the object/message operations the isolate may invoke on the
// host, the trigger payloads the host delivers to the isolate, and the
// taxonomic error kinds both sides use to describe failure.
//
// This package is pure data and is intentionally free of any goja or
// storage dependency so it can be imported by the object store, the
// message hub, the isolate runtime, and the supervisor without a cycle.
package capability

import "fmt"

// ─── Error taxonomy (spec §7) ───

// Kind is one of the taxonomic error kinds described in spec §7. It is not
// a type name — every error kind is carried as a field on *Error.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidInput      Kind = "InvalidInput"
	KindAlreadySubscribed Kind = "AlreadySubscribed"
	KindQueueFull         Kind = "QueueFull"
	KindHandlerRejected   Kind = "HandlerRejected"
	KindHandlerError      Kind = "HandlerError"
	KindEngineDown        Kind = "EngineDown"
	KindIo                Kind = "Io"
	KindTimeout           Kind = "Timeout"
)

// Error is the typed error carried across every capability-surface and
// trigger boundary. Stack is only populated for errors raised inside the
// isolate (whatever their Kind); host-built errors leave it empty.
type Error struct {
	Kind    Kind
	Message string
	Stack   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a capability error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindHandlerError for any
// error that isn't a *Error (e.g. a bare panic value converted via fmt.Errorf).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*Error); ok {
		return ce.Kind
	}
	return KindHandlerError
}

// ─── Object metadata (spec §3) ───

// ObjMeta is the structured identity and metadata of a stored object.
// The zero values of CreatedSecs and ByteLength mean "server fills this in"
// when used as input to Put.
type ObjMeta struct {
	SysPrefix   string  `json:"sysPrefix"`
	Ctx         string  `json:"ctx"`
	AppPath     string  `json:"appPath"`
	CreatedSecs float64 `json:"createdSecs"`
	ExpiresSecs float64 `json:"expiresSecs"`
	ByteLength  int     `json:"byteLength"`
}

// Path renders the canonical external identity string described in spec §3/§6:
// "{sysPrefix}/{ctx}/{appPath}/{createdSecs}/{expiresSecs}/{byteLength}".
func (m ObjMeta) Path() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%d",
		m.SysPrefix, m.Ctx, m.AppPath,
		trimFloat(m.CreatedSecs), trimFloat(m.ExpiresSecs), m.ByteLength)
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// ContextSysPrefix is the only sysPrefix value the engine treats as
// meaningful (spec §9): ordinary context objects. "s", "x", "d" are
// reserved by the path parser but carry no documented semantics here.
const ContextSysPrefix = "c"

// ─── objPut / objGet / objList / objRm wire shapes ───

type ObjPutRequest struct {
	Meta ObjMeta `json:"meta"`
	Data []byte  `json:"data"`
}

type ObjPutResponse struct {
	Meta ObjMeta `json:"meta"`
}

type ObjGetRequest struct {
	Meta ObjMeta `json:"meta"`
}

type ObjGetResponse struct {
	Meta ObjMeta `json:"meta"`
	Data []byte  `json:"data"`
}

type ObjListRequest struct {
	AppPathPrefix string  `json:"appPathPrefix"`
	CreatedGt     float64 `json:"createdGt"`
	Limit         int     `json:"limit"`
}

type ObjListResponse struct {
	MetaList []ObjMeta `json:"metaList"`
}

// DefaultListLimit and MaxListLimit implement spec §4.1's "limit defaults
// to 1000 and is capped by the implementation".
const (
	DefaultListLimit = 1000
	MaxListLimit     = 1000
)

type ObjRmRequest struct {
	Meta ObjMeta `json:"meta"`
}

type ObjRmResponse struct{}

// ─── msgNew / msgList / msgSend wire shapes ───

type MsgNewResponse struct {
	MsgID string `json:"msgId"`
}

type MsgListResponse struct {
	MsgIDList []string `json:"msgIdList"`
}

type MsgSendRequest struct {
	MsgID string `json:"msgId"`
	Msg   any    `json:"msg"`
}

type MsgSendResponse struct{}

// ─── Triggers (spec §4.4) ───

// TriggerType names the four kinds of host→isolate invocation.
type TriggerType string

const (
	TriggerCodeConfig TriggerType = "codeConfigReq"
	TriggerCron       TriggerType = "cronReq"
	TriggerObjCheck   TriggerType = "objCheckReq"
	TriggerFn         TriggerType = "fnReq"
)

type CodeConfigRequest struct{}

type CodeConfigResponse struct {
	CronIntervalSecs *float64 `json:"cronIntervalSecs,omitempty"`
}

type CronRequest struct{}

type CronResponse struct{}

// ObjCheckRequest is delivered before a client-originated put reaches the
// Object Store (spec §4.5 ObjCheck gating). A raised error in the isolate
// becomes a HandlerRejected and the put is never committed.
type ObjCheckRequest struct {
	Data []byte  `json:"data"`
	Meta ObjMeta `json:"meta"`
}

type ObjCheckResponse struct{}

type FnRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

type FnResponse struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}
