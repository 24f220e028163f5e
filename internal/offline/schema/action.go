package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType names the kind of deferred work a QueuedAction represents.
type ActionType string

const (
	ActionGenerateScenes ActionType = "generate_scenes"
	ActionGenerateImage  ActionType = "generate_image"
	ActionGenerateVideo  ActionType = "generate_video"
	ActionUpdateScene    ActionType = "update_scene"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionGenerateScenes, ActionGenerateImage, ActionGenerateVideo, ActionUpdateScene:
		return true
	}
	return false
}

// ActionStatus is the queue state of an action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// Valid reports whether s is a known action status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionProcessing, ActionCompleted, ActionFailed:
		return true
	}
	return false
}

// QueuedAction is a unit of deferred work awaiting the sync engine.
//
// Seq is the insertion sequence and defines claim order. NextAttemptAt gates
// a pending action that is backing off after a transient failure.
// RawPayload is the stored JSON; Payload is its decoded form and is nil when
// the stored bytes do not decode.
type QueuedAction struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Type          ActionType      `json:"type"`
	Payload       ActionPayload   `json:"-"`
	RawPayload    json.RawMessage `json:"payload"`
	Status        ActionStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ProjectID returns the project the action's payload targets, or "" for a
// scene-scoped payload enqueued without one.
func (a *QueuedAction) ProjectID() string {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.TargetProject()
}

// ActionPayload is the typed body of a QueuedAction. The set of
// implementations is closed: one struct per ActionType.
type ActionPayload interface {
	Type() ActionType
	Validate() error
	// TargetProject is the project id the payload refers to, or "" when
	// only a scene is known.
	TargetProject() string

	isPayload()
}

// GenerateScenesPayload asks the decomposer to split source text into scenes.
type GenerateScenesPayload struct {
	ProjectID  string `json:"project_id"`
	SourceText string `json:"source_text"`
	Style      string `json:"style,omitempty"`
	SceneCount int    `json:"scene_count,omitempty"`
}

func (*GenerateScenesPayload) Type() ActionType { return ActionGenerateScenes }
func (*GenerateScenesPayload) isPayload() {}

func (p *GenerateScenesPayload) TargetProject() string { return p.ProjectID }

func (p *GenerateScenesPayload) Validate() error {
	if p.ProjectID == "" {
		return invalidf("generate_scenes: project_id is required")
	}
	if p.SceneCount < 0 {
		return invalidf("generate_scenes: scene_count must be non-negative (got %d)", p.SceneCount)
	}
	return nil
}

// GenerateImagePayload asks the image service to render one scene.
type GenerateImagePayload struct {
	ProjectID string `json:"project_id,omitempty"`
	SceneID   string `json:"scene_id"`
	Prompt    string `json:"prompt"`
	Style     string `json:"style,omitempty"`
}

func (*GenerateImagePayload) Type() ActionType { return ActionGenerateImage }
func (*GenerateImagePayload) isPayload() {}

func (p *GenerateImagePayload) TargetProject() string { return p.ProjectID }

func (p *GenerateImagePayload) Validate() error {
	if p.SceneID == "" {
		return invalidf("generate_image: scene_id is required")
	}
	if p.Prompt == "" {
		return invalidf("generate_image: prompt is required")
	}
	return nil
}

// GenerateVideoPayload asks the render service to assemble a project's scenes.
type GenerateVideoPayload struct {
	ProjectID string `json:"project_id"`
}

func (*GenerateVideoPayload) Type() ActionType { return ActionGenerateVideo }
func (*GenerateVideoPayload) isPayload() {}

func (p *GenerateVideoPayload) TargetProject() string { return p.ProjectID }

func (p *GenerateVideoPayload) Validate() error {
	if p.ProjectID == "" {
		return invalidf("generate_video: project_id is required")
	}
	return nil
}

// UpdateScenePayload records a user edit to a scene.
type UpdateScenePayload struct {
	ProjectID string     `json:"project_id,omitempty"`
	SceneID   string     `json:"scene_id"`
	Patch     ScenePatch `json:"patch"`
}

func (*UpdateScenePayload) Type() ActionType { return ActionUpdateScene }
func (*UpdateScenePayload) isPayload() {}

func (p *UpdateScenePayload) TargetProject() string { return p.ProjectID }

func (p *UpdateScenePayload) Validate() error {
	if p.SceneID == "" {
		return invalidf("update_scene: scene_id is required")
	}
	if p.Patch.IsEmpty() {
		return invalidf("update_scene: patch is empty")
	}
	return nil
}

// EncodePayload validates p and returns its JSON form.
func EncodePayload(p ActionPayload) ([]byte, error) {
	if p == nil {
		return nil, invalidf("payload is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Type(), err)
	}
	return data, nil
}

// DecodePayload parses data as the payload struct for t. Unknown types and
// undecodable or invalid payloads return an error wrapping ErrInvalid.
func DecodePayload(t ActionType, data []byte) (ActionPayload, error) {
	var p ActionPayload
	switch t {
	case ActionGenerateScenes:
		p = &GenerateScenesPayload{}
	case ActionGenerateImage:
		p = &GenerateImagePayload{}
	case ActionGenerateVideo:
		p = &GenerateVideoPayload{}
	case ActionUpdateScene:
		p = &UpdateScenePayload{}
	default:
		return nil, invalidf("unknown action type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, invalidf("malformed %s payload: %v", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
