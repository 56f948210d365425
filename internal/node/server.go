package node

import (
	"encoding/json"
	"net/http"

	"github.com/aggnet/core/internal/errs"
)

// HandlerFunc processes one decoded Envelope for a specific message type.
type HandlerFunc func(Envelope) error

// NewMux builds the node's HTTP surface: one POST route per message type
// in handlers, plus GET /health. This mirrors the teacher's
// cluster.PostJSON/GetJSON pairing, generalized to many message types
// instead of a fixed handful of cluster endpoints.
func NewMux(handlers map[string]HandlerFunc, health http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	for msgType, h := range handlers {
		h := h
		msgType := msgType
		mux.HandleFunc("/msg/"+msgType, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			var env Envelope
			if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			env.Type = msgType
			if err := h(env); err != nil {
				w.WriteHeader(statusForErr(err))
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}
	mux.HandleFunc("/health", health)
	return mux
}

func statusForErr(err error) int {
	kind, ok := errs.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case errs.DuplicateShare, errs.LateShare, errs.UnknownComputation, errs.PreconditionFailed:
		return http.StatusConflict
	case errs.ShutdownInProgress:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
