package v1

import "time"

// ArtifactType enumerates the structured documents agents produce.
type ArtifactType string

const (
	ArtifactTypeSpecDocument   ArtifactType = "spec_document"
	ArtifactTypeTestPlan       ArtifactType = "test_plan"
	ArtifactTypeTestReport     ArtifactType = "test_report"
	ArtifactTypeImplementation ArtifactType = "implementation_summary"
	ArtifactTypeReviewReport   ArtifactType = "review_report"
)

// ArtifactStatus gates an artifact through its review lifecycle.
type ArtifactStatus string

const (
	ArtifactStatusDraft    ArtifactStatus = "draft"
	ArtifactStatusApproved ArtifactStatus = "approved"
	ArtifactStatusArchived ArtifactStatus = "archived"
)

// ValidArtifactStatus reports whether s is a known status.
func ValidArtifactStatus(s ArtifactStatus) bool {
	switch s {
	case ArtifactStatusDraft, ArtifactStatusApproved, ArtifactStatusArchived:
		return true
	}
	return false
}

// Artifact is a versioned structured document produced by an agent.
// Version numbering is scoped to (project, type, title); creating a
// new version archives its parent.
type Artifact struct {
	ID             string                 `json:"id"`
	ProjectID      string                 `json:"project_id"`
	AgentID        string                 `json:"agent_id"`
	AgentName      string                 `json:"agent_name"`
	Type           ArtifactType           `json:"type"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description,omitempty"`
	Content        map[string]interface{} `json:"content"`
	Version        int                    `json:"version"`
	ParentID       string                 `json:"parent_id,omitempty"`
	Status         ArtifactStatus         `json:"status"`
	Tags           []string               `json:"tags,omitempty"`
	Reviewer       string                 `json:"reviewer,omitempty"`
	ReviewFeedback string                 `json:"review_feedback,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	ReviewedAt     *time.Time             `json:"reviewed_at,omitempty"`
}
