package model

import (
	"encoding/json"
	"time"
)

type Namespace struct {
	ID                        string          `json:"id" db:"namespace_id"`
	Name                      string          `json:"name" db:"namespace_name"`
	Description               string          `json:"description" db:"description"`
	OwnerID                   string          `json:"owner_id" db:"owner_id"`
	RetentionDays             int             `json:"retention_days" db:"retention_days"`
	HistoryArchivalEnabled    bool            `json:"history_archival_enabled" db:"history_archival_enabled"`
	VisibilityArchivalEnabled bool            `json:"visibility_archival_enabled" db:"visibility_archival_enabled"`
	ClusterConfig             json.RawMessage `json:"cluster_config,omitempty" db:"cluster_config"`
	IsGlobal                  bool            `json:"is_global" db:"is_global"`
	Data                      json.RawMessage `json:"data,omitempty" db:"data"`
	Status                    string          `json:"status" db:"status"`
	CreatedAt                 time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at" db:"updated_at"`
}

// Namespace status constants.
const (
	NamespaceStatusActive     = "active"
	NamespaceStatusDeprecated = "deprecated"
	NamespaceStatusDeleted    = "deleted"
)
