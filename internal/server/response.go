package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}

// statusForKind renders spec §7's error-kind-to-HTTP-status mapping.
func statusForKind(kind capability.Kind) int {
	switch kind {
	case capability.KindNotFound:
		return http.StatusNotFound
	case capability.KindInvalidInput, capability.KindHandlerRejected:
		return http.StatusBadRequest
	case capability.KindAlreadySubscribed:
		return http.StatusConflict
	case capability.KindQueueFull:
		return http.StatusTooManyRequests
	case capability.KindEngineDown:
		return http.StatusServiceUnavailable
	case capability.KindTimeout:
		return http.StatusGatewayTimeout
	case capability.KindIo, capability.KindHandlerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// httpResponseError renders err using the capability error taxonomy (spec
// §7), falling back to a 500 for a plain, non-tagged error.
func httpResponseError(w http.ResponseWriter, err error) {
	httpResponse(w, err.Error(), statusForKind(capability.KindOf(err)))
}
