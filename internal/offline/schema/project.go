package schema

import (
	"errors"
	"fmt"
	"time"
)

// CurrentVersion tags records written by this version of the store.
// Records promoted from the legacy flat store carry LegacyVersion.
const (
	CurrentVersion = 2
	LegacyVersion  = 1
)

// ErrInvalid is returned when a record or patch violates a field constraint.
var ErrInvalid = errors.New("invalid record")

// ProjectStatus is the lifecycle stage of a project.
type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectStoryboard ProjectStatus = "storyboard"
	ProjectRendering  ProjectStatus = "rendering"
	ProjectCompleted  ProjectStatus = "completed"
)

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectDraft, ProjectStoryboard, ProjectRendering, ProjectCompleted:
		return true
	}
	return false
}

// Project is a story being turned into a video. It owns its scenes.
type Project struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	SourceText string        `json:"source_text"`
	Style      string        `json:"style,omitempty"`
	Status     ProjectStatus `json:"status"`
	Progress   float64       `json:"progress"`
	VideoURL   *string       `json:"video_url,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Version    int           `json:"version"`
}

// Validate checks field constraints and the status invariants.
func (p *Project) Validate() error {
	if p.ID == "" {
		return invalidf("id is required")
	}
	if len(p.Title) > 500 {
		return invalidf("title must be 500 characters or less (got %d)", len(p.Title))
	}
	if !p.Status.Valid() {
		return invalidf("unknown project status %q", p.Status)
	}
	if p.Progress < 0 || p.Progress > 1 {
		return invalidf("progress must be between 0 and 1 (got %v)", p.Progress)
	}
	if p.Status == ProjectCompleted && (p.VideoURL == nil || *p.VideoURL == "") {
		return invalidf("completed project %s has no video url", p.ID)
	}
	if p.CreatedAt.IsZero() {
		return invalidf("created_at is required")
	}
	if p.UpdatedAt.IsZero() {
		return invalidf("updated_at is required")
	}
	return nil
}

// ProjectFields are the caller-supplied values for a new project.
// ID is normally empty; migration sets it to preserve legacy identifiers.
type ProjectFields struct {
	ID         string
	Title      string
	SourceText string
	Style      string
}

// ProjectPatch is a partial project update. Nil fields are left untouched.
type ProjectPatch struct {
	Title      *string        `json:"title,omitempty"`
	SourceText *string        `json:"source_text,omitempty"`
	Style      *string        `json:"style,omitempty"`
	Status     *ProjectStatus `json:"status,omitempty"`
	Progress   *float64       `json:"progress,omitempty"`
	VideoURL   *string        `json:"video_url,omitempty"`
}

// Apply merges the patch into p, stamps UpdatedAt and validates the result.
// p is left unchanged when an error is returned.
//
// Progress may not decrease while the project is, and stays, rendering.
func (patch ProjectPatch) Apply(p *Project, now time.Time) error {
	next := *p
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.SourceText != nil {
		next.SourceText = *patch.SourceText
	}
	if patch.Style != nil {
		next.Style = *patch.Style
	}
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.Progress != nil {
		next.Progress = *patch.Progress
	}
	if patch.VideoURL != nil {
		url := *patch.VideoURL
		next.VideoURL = &url
	}

	if p.Status == ProjectRendering && next.Status == ProjectRendering && next.Progress < p.Progress {
		return invalidf("progress of rendering project %s cannot go back from %v to %v", p.ID, p.Progress, next.Progress)
	}

	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (patch ProjectPatch) IsEmpty() bool {
	return patch.Title == nil && patch.SourceText == nil && patch.Style == nil &&
		patch.Status == nil && patch.Progress == nil && patch.VideoURL == nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
