package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/assets"
	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/remote"
)

// sceneNamespace seeds the UUID v5 ids of generated scenes.
var sceneNamespace = uuid.MustParse("3b0f6c1e-9a57-4c1e-8d6e-2f4f7d1a5c90")

// SceneID returns the id of the index-th scene produced by an action. The
// same action always produces the same ids, so re-applying its result
// overwrites instead of duplicating.
func SceneID(actionID string, index int) string {
	return uuid.NewSHA1(sceneNamespace, []byte(actionID+"/"+strconv.Itoa(index))).String()
}

// errNoScenes is returned when the decomposer answers with an empty
// storyboard.
var errNoScenes = errors.New("decomposer returned no scenes")

// dispatch performs one action and, on success, applies its result and
// completes it in a single transaction.
func (e *Engine) dispatch(ctx context.Context, a *schema.QueuedAction, payload schema.ActionPayload) error {
	switch p := payload.(type) {
	case *schema.GenerateScenesPayload:
		return e.generateScenes(ctx, a, p)
	case *schema.GenerateImagePayload:
		return e.generateImage(ctx, a, p)
	case *schema.GenerateVideoPayload:
		return e.generateVideo(ctx, a, p)
	case *schema.UpdateScenePayload:
		return e.updateScene(ctx, a, p)
	default:
		return fmt.Errorf("%w: no handler for %s", schema.ErrInvalid, payload.Type())
	}
}

func (e *Engine) generateScenes(ctx context.Context, a *schema.QueuedAction, p *schema.GenerateScenesPayload) error {
	project, err := e.store.GetProject(ctx, p.ProjectID)
	if errors.Is(err, db.ErrNotFound) {
		return e.completeNoop(ctx, a, "project "+p.ProjectID)
	}
	if err != nil {
		return err
	}

	sourceText := p.SourceText
	if sourceText == "" {
		sourceText = project.SourceText
	}
	style := p.Style
	if style == "" {
		style = project.Style
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()
	generated, err := e.remote.DecomposeScenes(dctx, remote.DecomposeRequest{
		Text:       sourceText,
		Style:      style,
		SceneCount: p.SceneCount,
	})
	if err != nil {
		return err
	}
	if len(generated) == 0 {
		return errNoScenes
	}

	fields := make([]schema.SceneFields, len(generated))
	for i, g := range generated {
		fields[i] = schema.SceneFields{
			ID:       SceneID(a.ID, i),
			Position: i,
			Text:     g.Text,
		}
		if g.ImagePrompt != "" {
			prompt := g.ImagePrompt
			fields[i].ImagePrompt = &prompt
		}
	}

	return e.store.Update(ctx, func(tx *db.Tx) error {
		if _, err := tx.ReplaceScenes(p.ProjectID, fields); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return e.noopInTx(tx, a, "project "+p.ProjectID)
			}
			return err
		}
		status := schema.ProjectStoryboard
		if _, err := tx.UpdateProject(p.ProjectID, schema.ProjectPatch{Status: &status}); err != nil {
			return err
		}
		if err := tx.MarkCompleted(a.ID); err != nil {
			return err
		}
		e.logger.Printf("Storyboard ready for project %s (%d scenes)", p.ProjectID, len(fields))
		return nil
	})
}

func (e *Engine) generateImage(ctx context.Context, a *schema.QueuedAction, p *schema.GenerateImagePayload) error {
	scene, err := e.store.GetScene(ctx, p.SceneID)
	if errors.Is(err, db.ErrNotFound) {
		return e.completeNoop(ctx, a, "scene "+p.SceneID)
	}
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()
	url, err := e.remote.GenerateImage(dctx, remote.ImageRequest{Prompt: p.Prompt, Style: p.Style})
	if err != nil {
		return err
	}
	url = e.mirror(dctx, url, assets.ImageObject(scene.ProjectID, scene.ID, url))

	return e.store.Update(ctx, func(tx *db.Tx) error {
		if _, err := tx.UpdateScene(p.SceneID, schema.ScenePatch{Image: &url}); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return e.noopInTx(tx, a, "scene "+p.SceneID)
			}
			return err
		}
		return tx.MarkCompleted(a.ID)
	})
}

func (e *Engine) generateVideo(ctx context.Context, a *schema.QueuedAction, p *schema.GenerateVideoPayload) error {
	project, err := e.store.GetProject(ctx, p.ProjectID)
	if errors.Is(err, db.ErrNotFound) {
		return e.completeNoop(ctx, a, "project "+p.ProjectID)
	}
	if err != nil {
		return err
	}

	if project.Status != schema.ProjectRendering {
		rendering := schema.ProjectRendering
		zero := 0.0
		project, err = e.store.UpdateProject(ctx, p.ProjectID, schema.ProjectPatch{Status: &rendering, Progress: &zero})
		if errors.Is(err, db.ErrNotFound) {
			return e.completeNoop(ctx, a, "project "+p.ProjectID)
		}
		if err != nil {
			return err
		}
	}

	scenes, err := e.store.ListScenes(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	req := remote.VideoRequest{ProjectID: p.ProjectID, Scenes: make([]remote.VideoScene, len(scenes))}
	for i, s := range scenes {
		vs := remote.VideoScene{Text: s.Text}
		if s.Image != nil {
			vs.Image = *s.Image
		}
		if s.Duration != nil {
			vs.Duration = *s.Duration
		}
		req.Scenes[i] = vs
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()
	url, err := e.remote.RenderVideo(dctx, req)
	if err != nil {
		return err
	}
	url = e.mirror(dctx, url, assets.VideoObject(p.ProjectID, url))

	completed := false
	err = e.store.Update(ctx, func(tx *db.Tx) error {
		status := schema.ProjectCompleted
		progress := 1.0
		_, err := tx.UpdateProject(p.ProjectID, schema.ProjectPatch{Status: &status, Progress: &progress, VideoURL: &url})
		if errors.Is(err, db.ErrNotFound) {
			return e.noopInTx(tx, a, "project "+p.ProjectID)
		}
		if err != nil {
			return err
		}
		completed = true
		return tx.MarkCompleted(a.ID)
	})
	if err != nil {
		return err
	}
	if completed {
		e.notifier.Notify(notify.Success, fmt.Sprintf("Video ready: %s", displayTitle(project)))
	}
	return nil
}

func (e *Engine) updateScene(ctx context.Context, a *schema.QueuedAction, p *schema.UpdateScenePayload) error {
	return e.store.Update(ctx, func(tx *db.Tx) error {
		if _, err := tx.UpdateScene(p.SceneID, p.Patch); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return e.noopInTx(tx, a, "scene "+p.SceneID)
			}
			return err
		}
		return tx.MarkCompleted(a.ID)
	})
}

// completeNoop finishes an action whose target no longer exists.
func (e *Engine) completeNoop(ctx context.Context, a *schema.QueuedAction, target string) error {
	return e.store.Update(ctx, func(tx *db.Tx) error {
		return e.noopInTx(tx, a, target)
	})
}

func (e *Engine) noopInTx(tx *db.Tx, a *schema.QueuedAction, target string) error {
	e.logger.Printf("%s %s: %s no longer exists, nothing to do", a.Type, a.ID, target)
	return tx.MarkCompleted(a.ID)
}

// mirror copies url into durable storage when a mirror is configured. A
// mirror failure keeps the original url.
func (e *Engine) mirror(ctx context.Context, url, object string) string {
	if e.cfg.Mirror == nil {
		return url
	}
	mirrored, err := e.cfg.Mirror.Mirror(ctx, url, object)
	if err != nil {
		e.logger.Printf("Warning: keeping original url, mirror failed: %v", err)
		return url
	}
	return mirrored
}

func displayTitle(p *schema.Project) string {
	if p.Title != "" {
		return p.Title
	}
	return p.ID
}

type errorClass int

const (
	transient errorClass = iota
	permanent
)

// classify decides whether a dispatch failure is worth retrying.
func classify(err error) errorClass {
	switch {
	case errors.Is(err, db.ErrStorageUnavailable):
		return transient
	case remote.IsPermanent(err):
		return permanent
	case remote.IsTransient(err):
		return transient
	case errors.Is(err, schema.ErrInvalid), errors.Is(err, db.ErrInvalidTransition):
		return permanent
	}
	return transient
}
