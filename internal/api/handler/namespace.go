package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/orchestrator/internal/api/request"
	"github.com/edvin/orchestrator/internal/api/response"
	"github.com/edvin/orchestrator/internal/model"
)

// NamespaceRegistry is the namespace persistence surface the handler needs.
type NamespaceRegistry interface {
	Create(ctx context.Context, ns *model.Namespace) error
	GetByName(ctx context.Context, name string) (*model.Namespace, error)
	List(ctx context.Context, pageSize int, pageToken string) ([]model.Namespace, string, error)
	Archive(ctx context.Context, name string) error
}

type Namespace struct {
	registry NamespaceRegistry
}

func NewNamespace(registry NamespaceRegistry) *Namespace {
	return &Namespace{registry: registry}
}

func (h *Namespace) List(w http.ResponseWriter, r *http.Request) {
	p := request.ParsePagination(r)

	namespaces, nextToken, err := h.registry.List(r.Context(), p.PageSize, p.PageToken)
	if err != nil {
		writeKindError(w, err)
		return
	}
	response.WritePaginated(w, http.StatusOK, namespaces, nextToken)
}

func (h *Namespace) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateNamespace
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ns := &model.Namespace{
		Name:          req.Name,
		Description:   req.Description,
		OwnerID:       req.OwnerID,
		RetentionDays: req.RetentionDays,
	}
	if err := h.registry.Create(r.Context(), ns); err != nil {
		writeKindError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, ns)
}

func (h *Namespace) Get(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireParam("namespace", chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ns, err := h.registry.GetByName(r.Context(), name)
	if err != nil {
		writeKindError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, ns)
}

// Archive marks a namespace deleted; its name becomes reusable while history
// ages out through retention.
func (h *Namespace) Archive(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireParam("namespace", chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.Archive(r.Context(), name); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
