package schema

import "time"

// Scene is one storyboard frame. ProjectID is a back-reference; the owning
// project controls the scene's lifetime.
type Scene struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Position    int       `json:"position"`
	Text        string    `json:"text"`
	ImagePrompt *string   `json:"image_prompt,omitempty"`
	Image       *string   `json:"image,omitempty"`
	Duration    *float64  `json:"duration,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks field constraints.
func (s *Scene) Validate() error {
	if s.ID == "" {
		return invalidf("id is required")
	}
	if s.ProjectID == "" {
		return invalidf("scene %s has no project", s.ID)
	}
	if s.Position < 0 {
		return invalidf("position must be non-negative (got %d)", s.Position)
	}
	if s.Duration != nil && *s.Duration < 0 {
		return invalidf("duration must be non-negative (got %v)", *s.Duration)
	}
	if s.CreatedAt.IsZero() {
		return invalidf("created_at is required")
	}
	if s.UpdatedAt.IsZero() {
		return invalidf("updated_at is required")
	}
	return nil
}

// SceneFields are the values for a scene created in a batch.
// An empty ID is assigned by the store; a non-empty ID makes the write an
// upsert, which is how repeated application of one result stays harmless.
// Position is stored as given.
type SceneFields struct {
	ID          string
	Position    int
	Text        string
	ImagePrompt *string
	Image       *string
	Duration    *float64
}

// ScenePatch is a partial scene update. Nil fields are left untouched.
type ScenePatch struct {
	Text        *string  `json:"text,omitempty"`
	ImagePrompt *string  `json:"image_prompt,omitempty"`
	Image       *string  `json:"image,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	Position    *int     `json:"position,omitempty"`
}

// Apply merges the patch into s, stamps UpdatedAt and validates the result.
// s is left unchanged when an error is returned.
func (patch ScenePatch) Apply(s *Scene, now time.Time) error {
	next := *s
	if patch.Text != nil {
		next.Text = *patch.Text
	}
	if patch.ImagePrompt != nil {
		v := *patch.ImagePrompt
		next.ImagePrompt = &v
	}
	if patch.Image != nil {
		v := *patch.Image
		next.Image = &v
	}
	if patch.Duration != nil {
		v := *patch.Duration
		next.Duration = &v
	}
	if patch.Position != nil {
		next.Position = *patch.Position
	}
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return err
	}
	*s = next
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (patch ScenePatch) IsEmpty() bool {
	return patch.Text == nil && patch.ImagePrompt == nil && patch.Image == nil &&
		patch.Duration == nil && patch.Position == nil
}
