package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/offline/schema"
)

const sceneColumns = `id, project_id, position, text, image_prompt, image, duration,
	created_at, updated_at`

// CreateScenes writes a batch of scenes for a project in one transaction.
// The whole batch fails with ErrNotFound if the project does not exist.
// Fields carrying an ID are upserts: writing the same batch twice leaves one
// copy of each scene.
func (db *DB) CreateScenes(ctx context.Context, projectID string, fields []schema.SceneFields) ([]*schema.Scene, error) {
	var scenes []*schema.Scene
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		scenes, err = tx.CreateScenes(projectID, fields)
		return err
	})
	return scenes, err
}

// UpdateScene merges patch into the scene and stamps updated_at.
func (db *DB) UpdateScene(ctx context.Context, id string, patch schema.ScenePatch) (*schema.Scene, error) {
	var s *schema.Scene
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		s, err = tx.UpdateScene(id, patch)
		return err
	})
	return s, err
}

// GetScene returns the scene with the given id or ErrNotFound.
func (db *DB) GetScene(ctx context.Context, id string) (*schema.Scene, error) {
	q, err := db.reader("get scene")
	if err != nil {
		return nil, err
	}
	return getScene(ctx, q, id)
}

// ListScenes returns a project's scenes ordered by position.
// An unknown project yields an empty list.
func (db *DB) ListScenes(ctx context.Context, projectID string) ([]*schema.Scene, error) {
	q, err := db.reader("list scenes")
	if err != nil {
		return nil, err
	}
	return listScenes(ctx, q, projectID)
}

// CountScenes returns the number of scenes owned by a project.
func (db *DB) CountScenes(ctx context.Context, projectID string) (int, error) {
	q, err := db.reader("count scenes")
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenes WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, storageErr("count scenes", err)
	}
	return n, nil
}

// CreateScenes is DB.CreateScenes inside tx.
func (tx *Tx) CreateScenes(projectID string, fields []schema.SceneFields) ([]*schema.Scene, error) {
	ok, err := tx.ProjectExists(projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("project", projectID)
	}

	scenes := make([]*schema.Scene, 0, len(fields))
	for _, f := range fields {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		s := &schema.Scene{
			ID:          id,
			ProjectID:   projectID,
			Position:    f.Position,
			Text:        f.Text,
			ImagePrompt: f.ImagePrompt,
			Image:       f.Image,
			Duration:    f.Duration,
			CreatedAt:   tx.now,
			UpdatedAt:   tx.now,
		}
		if err := tx.upsertScene(s); err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	return scenes, nil
}

// ReplaceScenes makes fields the project's complete storyboard: the given
// scenes are upserted and every other scene of the project is deleted.
func (tx *Tx) ReplaceScenes(projectID string, fields []schema.SceneFields) ([]*schema.Scene, error) {
	scenes, err := tx.CreateScenes(projectID, fields)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(scenes))
	for _, s := range scenes {
		keep[s.ID] = true
	}

	existing, err := listScenes(tx.ctx, tx.tx, projectID)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if keep[s.ID] {
			continue
		}
		if err := tx.deleteScene(s.ID, projectID); err != nil {
			return nil, err
		}
	}
	return scenes, nil
}

// ImportScene inserts a fully formed scene, keeping its id and timestamps.
func (tx *Tx) ImportScene(s *schema.Scene) error {
	ok, err := tx.ProjectExists(s.ProjectID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("project", s.ProjectID)
	}
	return tx.upsertScene(s)
}

// upsertScene writes s. On conflict the original created_at is kept and s
// is refreshed from the stored row.
func (tx *Tx) upsertScene(s *schema.Scene) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid scene: %w", err)
	}

	query := `
	INSERT INTO scenes (` + sceneColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		position = excluded.position,
		text = excluded.text,
		image_prompt = excluded.image_prompt,
		image = excluded.image,
		duration = excluded.duration,
		updated_at = excluded.updated_at
	WHERE scenes.project_id = excluded.project_id
	`
	res, err := tx.tx.ExecContext(tx.ctx, query,
		s.ID,
		s.ProjectID,
		s.Position,
		s.Text,
		nullString(s.ImagePrompt),
		nullString(s.Image),
		nullFloat(s.Duration),
		formatTime(s.CreatedAt),
		formatTime(s.UpdatedAt),
	)
	if err != nil {
		return storageErr("upsert scene "+s.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: scene %s belongs to another project", ErrInvalid, s.ID)
	}

	stored, err := getScene(tx.ctx, tx.tx, s.ID)
	if err != nil {
		return err
	}
	*s = *stored

	tx.emit(EventSceneCreated, s.ProjectID, s.ID, "")
	return nil
}

// UpdateScene is DB.UpdateScene inside tx.
func (tx *Tx) UpdateScene(id string, patch schema.ScenePatch) (*schema.Scene, error) {
	s, err := getScene(tx.ctx, tx.tx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(s, tx.now); err != nil {
		return nil, fmt.Errorf("invalid update to scene %s: %w", id, err)
	}

	query := `
	UPDATE scenes SET
		position = ?, text = ?, image_prompt = ?, image = ?, duration = ?,
		updated_at = ?
	WHERE id = ?
	`
	_, err = tx.tx.ExecContext(tx.ctx, query,
		s.Position,
		s.Text,
		nullString(s.ImagePrompt),
		nullString(s.Image),
		nullFloat(s.Duration),
		formatTime(s.UpdatedAt),
		s.ID,
	)
	if err != nil {
		return nil, storageErr("update scene "+id, err)
	}

	tx.emit(EventSceneUpdated, s.ProjectID, s.ID, "")
	return s, nil
}

// DeleteScene removes one scene.
func (tx *Tx) DeleteScene(id string) error {
	s, err := getScene(tx.ctx, tx.tx, id)
	if err != nil {
		return err
	}
	return tx.deleteScene(s.ID, s.ProjectID)
}

func (tx *Tx) deleteScene(id, projectID string) error {
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM scenes WHERE id = ?`, id); err != nil {
		return storageErr("delete scene "+id, err)
	}
	tx.emit(EventSceneDeleted, projectID, id, "")
	return nil
}

// GetScene reads a scene inside tx.
func (tx *Tx) GetScene(id string) (*schema.Scene, error) {
	return getScene(tx.ctx, tx.tx, id)
}

// ListScenes reads a project's scenes inside tx.
func (tx *Tx) ListScenes(projectID string) ([]*schema.Scene, error) {
	return listScenes(tx.ctx, tx.tx, projectID)
}

func getScene(ctx context.Context, q querier, id string) (*schema.Scene, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id = ?`, id)
	s, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("scene", id)
	}
	if err != nil {
		return nil, storageErr("get scene "+id, err)
	}
	return s, nil
}

func listScenes(ctx context.Context, q querier, projectID string) ([]*schema.Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE project_id = ? ORDER BY position ASC, created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, storageErr("list scenes", err)
	}
	defer rows.Close()

	var scenes []*schema.Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, storageErr("list scenes", err)
		}
		scenes = append(scenes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list scenes", err)
	}
	return scenes, nil
}

func scanScene(sc scanner) (*schema.Scene, error) {
	var s schema.Scene
	var imagePrompt, image sql.NullString
	var duration sql.NullFloat64
	var createdAt, updatedAt string

	err := sc.Scan(
		&s.ID,
		&s.ProjectID,
		&s.Position,
		&s.Text,
		&imagePrompt,
		&image,
		&duration,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ImagePrompt = stringPtr(imagePrompt)
	s.Image = stringPtr(image)
	s.Duration = floatPtr(duration)
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
