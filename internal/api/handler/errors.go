package handler

import (
	"net/http"

	"github.com/edvin/orchestrator/internal/api/response"
	"github.com/edvin/orchestrator/internal/errkind"
)

// writeKindError maps a tagged service error onto an HTTP status.
func writeKindError(w http.ResponseWriter, err error) {
	response.WriteError(w, statusForKind(errkind.KindOf(err)), err.Error())
}

func statusForKind(kind errkind.Kind) int {
	switch kind {
	case errkind.InvalidRequest, errkind.HistoryEvent:
		return http.StatusBadRequest
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.AlreadyExists, errkind.InvalidWorkflowState, errkind.ConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
