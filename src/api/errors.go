package api

import (
	"encoding/json"
	"net/http"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

var kindStatus = map[string]int{
	"Unauthorized":      http.StatusUnauthorized,
	"NotFound":          http.StatusNotFound,
	"AlreadyExists":     http.StatusConflict,
	"InvalidState":      http.StatusConflict,
	"NotAccepted":       http.StatusConflict,
	"PoolClosed":        http.StatusConflict,
	"InsufficientFunds": http.StatusUnprocessableEntity,
	"UnsupportedPair":   http.StatusUnprocessableEntity,
	"InvalidArgument":   http.StatusBadRequest,
	"ExecutionFailed":   http.StatusBadGateway,
}

func statusFor(kind string) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: model.Retryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
