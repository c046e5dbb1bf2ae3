package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

type NamespaceStore struct {
	db DB
}

func NewNamespaceStore(db DB) *NamespaceStore {
	return &NamespaceStore{db: db}
}

const namespaceColumns = `namespace_id, namespace_name, description, owner_id, retention_days,
	history_archival_enabled, visibility_archival_enabled, cluster_config, is_global, data,
	status, created_at, updated_at`

func scanNamespace(row interface{ Scan(dest ...any) error }) (model.Namespace, error) {
	var ns model.Namespace
	err := row.Scan(&ns.ID, &ns.Name, &ns.Description, &ns.OwnerID, &ns.RetentionDays,
		&ns.HistoryArchivalEnabled, &ns.VisibilityArchivalEnabled, &ns.ClusterConfig,
		&ns.IsGlobal, &ns.Data, &ns.Status, &ns.CreatedAt, &ns.UpdatedAt)
	return ns, err
}

func (s *NamespaceStore) Create(ctx context.Context, ns *model.Namespace) error {
	if ns.Name == "" {
		return errkind.New(errkind.InvalidRequest, "namespace name is required")
	}
	if ns.ID == "" {
		ns.ID = platform.NewID()
	}
	if ns.Status == "" {
		ns.Status = model.NamespaceStatusActive
	}
	if ns.RetentionDays <= 0 {
		ns.RetentionDays = 30
	}
	if ns.ClusterConfig == nil {
		ns.ClusterConfig = json.RawMessage(`{}`)
	}
	if ns.Data == nil {
		ns.Data = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	ns.CreatedAt = now
	ns.UpdatedAt = now

	_, err := s.db.Exec(ctx,
		`INSERT INTO namespaces (`+namespaceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ns.ID, ns.Name, ns.Description, ns.OwnerID, ns.RetentionDays,
		ns.HistoryArchivalEnabled, ns.VisibilityArchivalEnabled, ns.ClusterConfig,
		ns.IsGlobal, ns.Data, ns.Status, ns.CreatedAt, ns.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.Newf(errkind.AlreadyExists, "namespace %q already exists", ns.Name)
		}
		return storeErr("create namespace", err)
	}
	return nil
}

// GetByName resolves a live namespace; deleted rows are invisible here.
func (s *NamespaceStore) GetByName(ctx context.Context, name string) (*model.Namespace, error) {
	ns, err := scanNamespace(s.db.QueryRow(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces
		 WHERE namespace_name = $1 AND status <> $2`,
		name, model.NamespaceStatusDeleted))
	if err != nil {
		return nil, storeErr("get namespace by name", err)
	}
	return &ns, nil
}

func (s *NamespaceStore) GetByID(ctx context.Context, id string) (*model.Namespace, error) {
	ns, err := scanNamespace(s.db.QueryRow(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces WHERE namespace_id = $1`, id))
	if err != nil {
		return nil, storeErr("get namespace by id", err)
	}
	return &ns, nil
}

func (s *NamespaceStore) Update(ctx context.Context, ns *model.Namespace) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE namespaces
		 SET description = $1, owner_id = $2, retention_days = $3,
		     history_archival_enabled = $4, visibility_archival_enabled = $5,
		     data = $6, status = $7, updated_at = now()
		 WHERE namespace_id = $8`,
		ns.Description, ns.OwnerID, ns.RetentionDays,
		ns.HistoryArchivalEnabled, ns.VisibilityArchivalEnabled,
		ns.Data, ns.Status, ns.ID,
	)
	if err != nil {
		return storeErr("update namespace", err)
	}
	if tag.RowsAffected() == 0 {
		return errkind.Newf(errkind.NotFound, "namespace %s not found", ns.ID)
	}
	return nil
}

func (s *NamespaceStore) List(ctx context.Context, pageSize int, pageToken string) ([]model.Namespace, string, error) {
	offset, err := DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	pageSize = clampPageSize(pageSize, 100, 500)

	rows, err := s.db.Query(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces
		 WHERE status <> $1
		 ORDER BY namespace_name
		 LIMIT $2 OFFSET $3`,
		model.NamespaceStatusDeleted, pageSize+1, offset,
	)
	if err != nil {
		return nil, "", storeErr("list namespaces", err)
	}
	defer rows.Close()

	var namespaces []model.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, "", storeErr("scan namespace", err)
		}
		namespaces = append(namespaces, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, "", storeErr("iterate namespaces", err)
	}

	nextToken := ""
	if len(namespaces) > pageSize {
		namespaces = namespaces[:pageSize]
		nextToken = EncodePageToken(offset + pageSize)
	}
	return namespaces, nextToken, nil
}

func (s *NamespaceStore) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM namespaces WHERE namespace_name = $1 AND status <> $2)`,
		name, model.NamespaceStatusDeleted,
	).Scan(&exists)
	if err != nil {
		return false, storeErr("namespace exists", err)
	}
	return exists, nil
}

// Archive soft-deletes a namespace by name. Idempotent: archiving an already
// deleted namespace succeeds without effect.
func (s *NamespaceStore) Archive(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE namespaces SET status = $1, updated_at = now()
		 WHERE namespace_name = $2 AND status <> $1`,
		model.NamespaceStatusDeleted, name,
	)
	if err != nil {
		return storeErr("archive namespace", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM namespaces WHERE namespace_name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return storeErr("archive namespace", err)
	}
	if !exists {
		return errkind.Newf(errkind.NotFound, "namespace %q not found", name)
	}
	return nil
}
