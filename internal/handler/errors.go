package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/domain/discount"
)

// writeEngineError maps an engine error to its status code. Messages of
// classified client errors are returned as is; anything else is logged and
// answered with a generic message.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, discount.ErrNotFound):
		writeError(w, http.StatusNotFound, discount.Message(err))
	case errors.Is(err, discount.ErrBadRequest):
		writeError(w, http.StatusBadRequest, discount.Message(err))
	case errors.Is(err, discount.ErrDuplicate):
		writeError(w, http.StatusConflict, discount.Message(err))
	case errors.Is(err, discount.ErrService):
		zctx.From(r.Context()).Error("Discount operation failed",
			zap.Bool("compensation_failed", errors.Is(err, discount.ErrCompensationFailed)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, discount.Message(err))
	default:
		zctx.From(r.Context()).Error("Unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("errors", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
