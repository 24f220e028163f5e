// Package authoring implements the user-facing project operations.
//
// Every operation that needs a remote service writes its local effect and
// the queue entry that backs it in one transaction: either both are stored
// or neither is. The sync engine picks the entry up when the network allows.
package authoring

import (
	"context"
	"fmt"

	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/schema"
)

// Service runs authoring operations against a store.
type Service struct {
	store *db.DB
}

// NewService creates an authoring service.
func NewService(store *db.DB) *Service {
	return &Service{store: store}
}

// NewProject describes a project to create.
type NewProject struct {
	Title      string
	SourceText string
	Style      string

	// SceneCount is passed to scene generation. Zero lets the service
	// decide.
	SceneCount int

	// SkipScenes creates the project without requesting a storyboard.
	SkipScenes bool
}

// CreateProject creates a draft project and, when it has source text,
// requests its storyboard. The returned action is nil if nothing was
// enqueued.
func (s *Service) CreateProject(ctx context.Context, np NewProject) (*schema.Project, *schema.QueuedAction, error) {
	var project *schema.Project
	var action *schema.QueuedAction
	err := s.store.Update(ctx, func(tx *db.Tx) error {
		p, err := tx.CreateProject(schema.ProjectFields{
			Title:      np.Title,
			SourceText: np.SourceText,
			Style:      np.Style,
		})
		if err != nil {
			return err
		}
		project = p

		if np.SkipScenes || np.SourceText == "" {
			return nil
		}
		action, err = tx.Enqueue(&schema.GenerateScenesPayload{
			ProjectID:  p.ID,
			SourceText: np.SourceText,
			Style:      np.Style,
			SceneCount: np.SceneCount,
		})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, action, nil
}

// RequestScenes asks for a new storyboard from the project's current text.
// The result replaces the existing scenes.
func (s *Service) RequestScenes(ctx context.Context, projectID string, sceneCount int) (*schema.QueuedAction, error) {
	var action *schema.QueuedAction
	err := s.store.Update(ctx, func(tx *db.Tx) error {
		p, err := tx.GetProject(projectID)
		if err != nil {
			return err
		}
		if p.SourceText == "" {
			return fmt.Errorf("%w: project %s has no source text", schema.ErrInvalid, projectID)
		}
		action, err = tx.Enqueue(&schema.GenerateScenesPayload{
			ProjectID:  p.ID,
			SourceText: p.SourceText,
			Style:      p.Style,
			SceneCount: sceneCount,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request scenes: %w", err)
	}
	return action, nil
}

// RequestImage asks for a scene image. The prompt is the scene's image
// prompt, or its text when it has none; the style is the project's.
func (s *Service) RequestImage(ctx context.Context, sceneID string) (*schema.QueuedAction, error) {
	var action *schema.QueuedAction
	err := s.store.Update(ctx, func(tx *db.Tx) error {
		scene, err := tx.GetScene(sceneID)
		if err != nil {
			return err
		}
		project, err := tx.GetProject(scene.ProjectID)
		if err != nil {
			return err
		}

		prompt := scene.Text
		if scene.ImagePrompt != nil && *scene.ImagePrompt != "" {
			prompt = *scene.ImagePrompt
		}
		if prompt == "" {
			return fmt.Errorf("%w: scene %s has no prompt or text", schema.ErrInvalid, sceneID)
		}

		action, err = tx.Enqueue(&schema.GenerateImagePayload{
			ProjectID: scene.ProjectID,
			SceneID:   scene.ID,
			Prompt:    prompt,
			Style:     project.Style,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request image: %w", err)
	}
	return action, nil
}

// RequestVideo moves the project to rendering and queues the render.
func (s *Service) RequestVideo(ctx context.Context, projectID string) (*schema.QueuedAction, error) {
	var action *schema.QueuedAction
	err := s.store.Update(ctx, func(tx *db.Tx) error {
		p, err := tx.GetProject(projectID)
		if err != nil {
			return err
		}
		scenes, err := tx.ListScenes(projectID)
		if err != nil {
			return err
		}
		if len(scenes) == 0 {
			return fmt.Errorf("%w: project %s has no scenes to render", schema.ErrInvalid, projectID)
		}

		if p.Status != schema.ProjectRendering {
			rendering := schema.ProjectRendering
			zero := 0.0
			if _, err := tx.UpdateProject(projectID, schema.ProjectPatch{Status: &rendering, Progress: &zero}); err != nil {
				return err
			}
		}

		action, err = tx.Enqueue(&schema.GenerateVideoPayload{ProjectID: projectID})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request video: %w", err)
	}
	return action, nil
}

// EditScene applies patch locally right away and queues the same edit so
// the engine re-applies it in order with pending generation results.
func (s *Service) EditScene(ctx context.Context, sceneID string, patch schema.ScenePatch) (*schema.Scene, *schema.QueuedAction, error) {
	if patch.IsEmpty() {
		return nil, nil, fmt.Errorf("failed to edit scene: %w: empty patch", schema.ErrInvalid)
	}

	var scene *schema.Scene
	var action *schema.QueuedAction
	err := s.store.Update(ctx, func(tx *db.Tx) error {
		updated, err := tx.UpdateScene(sceneID, patch)
		if err != nil {
			return err
		}
		scene = updated

		action, err = tx.Enqueue(&schema.UpdateScenePayload{
			ProjectID: updated.ProjectID,
			SceneID:   updated.ID,
			Patch:     patch,
		})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to edit scene: %w", err)
	}
	return scene, action, nil
}

// DeleteProject deletes the project and its scenes. Queued actions for it
// complete as no-ops.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// RetryAction puts a failed action back in the queue with a fresh retry
// budget.
func (s *Service) RetryAction(ctx context.Context, actionID string) (*schema.QueuedAction, error) {
	a, err := s.store.Requeue(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to retry action: %w", err)
	}
	return a, nil
}
