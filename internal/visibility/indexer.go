package visibility

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/store"
)

// RecordStore is the projection persistence the indexer reads and maintains.
type RecordStore interface {
	Upsert(ctx context.Context, rec *model.VisibilityRecord) error
	List(ctx context.Context, namespaceID string, filter store.ListFilter, pageSize int, pageToken string) ([]model.VisibilityRecord, string, error)
	Count(ctx context.Context, namespaceID string, filter store.ListFilter) (int64, error)
	UpdateTags(ctx context.Context, namespaceID, workflowID, runID string, tags map[string]string) error
	SearchByTags(ctx context.Context, namespaceID string, tags map[string]string, matchAll bool, pageSize int, pageToken string) ([]model.VisibilityRecord, string, error)
	Delete(ctx context.Context, namespaceID, workflowID, runID string) error
}

// NamespaceResolver translates namespace names on the read path.
type NamespaceResolver interface {
	GetByName(ctx context.Context, name string) (*model.Namespace, error)
}

// Indexer serves visibility queries addressed by namespace name.
type Indexer struct {
	records    RecordStore
	namespaces NamespaceResolver
	logger     zerolog.Logger
}

func NewIndexer(records RecordStore, namespaces NamespaceResolver, logger zerolog.Logger) *Indexer {
	return &Indexer{
		records:    records,
		namespaces: namespaces,
		logger:     logger.With().Str("component", "visibility").Logger(),
	}
}

// ListRequest addresses one page of the projection.
type ListRequest struct {
	Namespace string
	// Query is optional; empty lists everything in the namespace.
	Query     string
	PageSize  int
	PageToken string
}

func (ix *Indexer) List(ctx context.Context, req ListRequest) ([]model.VisibilityRecord, string, error) {
	ns, filter, err := ix.resolve(ctx, req.Namespace, req.Query)
	if err != nil {
		return nil, "", err
	}
	return ix.records.List(ctx, ns.ID, filter, req.PageSize, req.PageToken)
}

// Search is List with a mandatory query.
func (ix *Indexer) Search(ctx context.Context, req ListRequest) ([]model.VisibilityRecord, string, error) {
	if req.Query == "" {
		return nil, "", errkind.New(errkind.InvalidRequest, "search requires a query")
	}
	return ix.List(ctx, req)
}

func (ix *Indexer) Count(ctx context.Context, namespace, query string) (int64, error) {
	ns, filter, err := ix.resolve(ctx, namespace, query)
	if err != nil {
		return 0, err
	}
	return ix.records.Count(ctx, ns.ID, filter)
}

// UpdateTags replaces the tag set of one run.
func (ix *Indexer) UpdateTags(ctx context.Context, namespace, workflowID, runID string, tags map[string]string) error {
	ns, err := ix.namespaces.GetByName(ctx, namespace)
	if err != nil {
		return err
	}
	return ix.records.UpdateTags(ctx, ns.ID, workflowID, runID, tags)
}

func (ix *Indexer) SearchByTags(ctx context.Context, namespace string, tags map[string]string, matchAll bool, pageSize int, pageToken string) ([]model.VisibilityRecord, string, error) {
	ns, err := ix.namespaces.GetByName(ctx, namespace)
	if err != nil {
		return nil, "", err
	}
	return ix.records.SearchByTags(ctx, ns.ID, tags, matchAll, pageSize, pageToken)
}

// Delete removes the projection of one run, tags included. The authoritative
// execution row is untouched.
func (ix *Indexer) Delete(ctx context.Context, namespace, workflowID, runID string) error {
	ns, err := ix.namespaces.GetByName(ctx, namespace)
	if err != nil {
		return err
	}
	ix.logger.Info().
		Str("namespace", namespace).
		Str("workflow_id", workflowID).
		Str("run_id", runID).
		Msg("deleting visibility record")
	return ix.records.Delete(ctx, ns.ID, workflowID, runID)
}

func (ix *Indexer) resolve(ctx context.Context, namespace, query string) (*model.Namespace, store.ListFilter, error) {
	if namespace == "" {
		return nil, store.ListFilter{}, errkind.New(errkind.InvalidRequest, "namespace is required")
	}
	ns, err := ix.namespaces.GetByName(ctx, namespace)
	if err != nil {
		return nil, store.ListFilter{}, err
	}
	filter := store.ListFilter{}
	if query != "" {
		if filter, err = ParseQuery(query); err != nil {
			return nil, store.ListFilter{}, err
		}
	}
	return ns, filter, nil
}
