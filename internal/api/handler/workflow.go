package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/orchestrator/internal/api/request"
	"github.com/edvin/orchestrator/internal/api/response"
	"github.com/edvin/orchestrator/internal/history"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/visibility"
)

// WorkflowService is the history-service surface behind the workflow routes.
type WorkflowService interface {
	StartWorkflow(ctx context.Context, req history.StartWorkflowRequest) (*model.WorkflowExecution, error)
	SignalWorkflow(ctx context.Context, namespaceID, workflowID, runID, signalName string, input json.RawMessage) error
	TerminateWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) (*model.WorkflowExecution, error)
	GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, int64, error)
}

// WorkflowIndex serves the read side, addressed by namespace name.
type WorkflowIndex interface {
	List(ctx context.Context, req visibility.ListRequest) ([]model.VisibilityRecord, string, error)
}

// NamespaceResolver translates the namespace name in the URL to its ID for
// the ID-addressed history service operations.
type NamespaceResolver interface {
	GetByName(ctx context.Context, name string) (*model.Namespace, error)
}

type Workflow struct {
	svc        WorkflowService
	index      WorkflowIndex
	namespaces NamespaceResolver
}

func NewWorkflow(svc WorkflowService, index WorkflowIndex, namespaces NamespaceResolver) *Workflow {
	return &Workflow{svc: svc, index: index, namespaces: namespaces}
}

// List serves the visibility projection for one namespace, with an optional
// query in the visibility grammar.
func (h *Workflow) List(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireParam("namespace", chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := request.ParsePagination(r)

	records, nextToken, err := h.index.List(r.Context(), visibility.ListRequest{
		Namespace: name,
		Query:     r.URL.Query().Get("query"),
		PageSize:  p.PageSize,
		PageToken: p.PageToken,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	response.WritePaginated(w, http.StatusOK, records, nextToken)
}

func (h *Workflow) Start(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireParam("namespace", chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.StartWorkflow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := h.svc.StartWorkflow(r.Context(), history.StartWorkflowRequest{
		Namespace:        name,
		WorkflowID:       req.WorkflowID,
		WorkflowType:     req.WorkflowType,
		TaskQueue:        req.TaskQueue,
		Input:            req.Input,
		Memo:             req.Memo,
		SearchAttributes: req.SearchAttributes,
		WorkflowTimeout:  req.WorkflowTimeout,
		RunTimeout:       req.RunTimeout,
		TaskTimeout:      req.TaskTimeout,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, exec)
}

func (h *Workflow) Signal(w http.ResponseWriter, r *http.Request) {
	ns, workflowID, runID, ok := h.resolveRun(w, r)
	if !ok {
		return
	}

	var req request.SignalWorkflow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.SignalWorkflow(r.Context(), ns.ID, workflowID, runID, req.SignalName, req.Input); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Workflow) Terminate(w http.ResponseWriter, r *http.Request) {
	ns, workflowID, runID, ok := h.resolveRun(w, r)
	if !ok {
		return
	}

	var req request.TerminateWorkflow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := h.svc.TerminateWorkflow(r.Context(), ns.ID, workflowID, runID, req.Reason)
	if err != nil {
		writeKindError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, exec)
}

// History pages through one run's event log. from_event_id and max_events
// are optional query parameters; the response carries next_event_id when
// another page may exist.
func (h *Workflow) History(w http.ResponseWriter, r *http.Request) {
	ns, workflowID, runID, ok := h.resolveRun(w, r)
	if !ok {
		return
	}

	fromEventID := int64(1)
	if v := r.URL.Query().Get("from_event_id"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			fromEventID = parsed
		}
	}
	maxEvents := 0
	if v := r.URL.Query().Get("max_events"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			maxEvents = parsed
		}
	}

	events, nextEventID, err := h.svc.GetHistory(r.Context(), ns.ID, workflowID, runID, fromEventID, maxEvents)
	if err != nil {
		writeKindError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, struct {
		Events      []model.HistoryEvent `json:"events"`
		NextEventID int64                `json:"next_event_id,omitempty"`
	}{Events: events, NextEventID: nextEventID})
}

func (h *Workflow) resolveRun(w http.ResponseWriter, r *http.Request) (*model.Namespace, string, string, bool) {
	name, err := request.RequireParam("namespace", chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, "", "", false
	}
	workflowID, err := request.RequireParam("workflow ID", chi.URLParam(r, "workflowID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, "", "", false
	}
	runID := chi.URLParam(r, "runID")

	ns, err := h.namespaces.GetByName(r.Context(), name)
	if err != nil {
		writeKindError(w, err)
		return nil, "", "", false
	}
	return ns, workflowID, runID, true
}
