// Package memory implements CRUD and lifecycle for memory records: typed
// rows scoped by project path, soft deletion via expires_at, and write-path
// embedding validation.
package memory

import (
	"time"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// Type classifies what kind of knowledge a memory holds.
type Type string

const (
	TypeSemantic   Type = "semantic"
	TypeEpisodic   Type = "episodic"
	TypeProcedural Type = "procedural"
	TypeWorking    Type = "working"
	TypeReflection Type = "reflection"
)

// Importance ranks how much a memory matters for retention and retrieval.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
	ImportanceTrivial  Importance = "trivial"
)

// importanceRank orders importance for deterministic sorting; higher wins.
var importanceRank = map[Importance]int{
	ImportanceCritical: 5,
	ImportanceHigh:     4,
	ImportanceMedium:   3,
	ImportanceLow:      2,
	ImportanceTrivial:  1,
}

// Rank returns the numeric sort weight of an importance level.
func (i Importance) Rank() int { return importanceRank[i] }

// Valid reports whether the value is a known importance level.
func (i Importance) Valid() bool {
	_, ok := importanceRank[i]
	return ok
}

// Valid reports whether the value is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case TypeSemantic, TypeEpisodic, TypeProcedural, TypeWorking, TypeReflection:
		return true
	}
	return false
}

// Memory is one stored record. Embedding is nil for sparse rows (stored
// while the embedding provider was unavailable).
type Memory struct {
	ID               string            `json:"id"`
	ProjectPath      string            `json:"project_path"`
	Content          string            `json:"content"`
	Type             Type              `json:"memory_type"`
	Importance       Importance        `json:"importance"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Embedding        []float32         `json:"-"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	AccessCount      int               `json:"access_count"`
	LastAccessedAt   *time.Time        `json:"last_accessed_at,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	ConsolidatedFrom []string          `json:"consolidated_from,omitempty"`
}

// Expired reports whether the memory is soft-deleted as of now.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Validate checks the fields a caller controls before a write.
func (m *Memory) Validate() error {
	if m.Content == "" {
		return specerrors.New(specerrors.KindValidation, "memory content must not be empty")
	}
	if m.ProjectPath == "" {
		return specerrors.New(specerrors.KindValidation, "project path must not be empty")
	}
	if !m.Type.Valid() {
		return specerrors.Newf(specerrors.KindValidation, "unknown memory type %q", m.Type)
	}
	if !m.Importance.Valid() {
		return specerrors.Newf(specerrors.KindValidation, "unknown importance %q", m.Importance)
	}
	return nil
}

// Update is a partial change applied by Store.Update; nil fields keep the
// stored value.
type Update struct {
	Content    *string
	Type       *Type
	Importance *Importance
	Tags       *[]string
	Metadata   *map[string]string
	Embedding  *[]float32
}

// Filters narrows FindByProject results.
type Filters struct {
	Type           Type
	Importance     Importance
	Tags           []string
	IncludeExpired bool
}

// Page is offset pagination for listing operations.
type Page struct {
	Limit  int
	Offset int
}
