package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/offline/schema"
)

const projectColumns = `id, title, source_text, style, status, progress, video_url,
	created_at, updated_at, version`

// CreateProject inserts a new draft project. A non-empty fields.ID is kept,
// otherwise a UUID is assigned.
func (db *DB) CreateProject(ctx context.Context, fields schema.ProjectFields) (*schema.Project, error) {
	var p *schema.Project
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		p, err = tx.CreateProject(fields)
		return err
	})
	return p, err
}

// UpdateProject merges patch into the project and stamps updated_at.
func (db *DB) UpdateProject(ctx context.Context, id string, patch schema.ProjectPatch) (*schema.Project, error) {
	var p *schema.Project
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		p, err = tx.UpdateProject(id, patch)
		return err
	})
	return p, err
}

// DeleteProject removes the project and all of its scenes atomically.
func (db *DB) DeleteProject(ctx context.Context, id string) error {
	return db.Update(ctx, func(tx *Tx) error {
		return tx.DeleteProject(id)
	})
}

// GetProject returns the project with the given id or ErrNotFound.
func (db *DB) GetProject(ctx context.Context, id string) (*schema.Project, error) {
	q, err := db.reader("get project")
	if err != nil {
		return nil, err
	}
	return getProject(ctx, q, id)
}

// ProjectFilter configures ListProjects.
type ProjectFilter struct {
	// Status filters by project status (empty = all statuses)
	Status schema.ProjectStatus
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListProjects returns projects, most recently updated first.
func (db *DB) ListProjects(ctx context.Context, filter ProjectFilter) ([]*schema.Project, error) {
	q, err := db.reader("list projects")
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	defer rows.Close()

	var projects []*schema.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, storageErr("list projects", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list projects", err)
	}
	return projects, nil
}

// CreateProject is DB.CreateProject inside tx.
func (tx *Tx) CreateProject(fields schema.ProjectFields) (*schema.Project, error) {
	id := fields.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := &schema.Project{
		ID:         id,
		Title:      fields.Title,
		SourceText: fields.SourceText,
		Style:      fields.Style,
		Status:     schema.ProjectDraft,
		CreatedAt:  tx.now,
		UpdatedAt:  tx.now,
		Version:    schema.CurrentVersion,
	}
	if err := tx.insertProject(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ImportProject inserts a fully formed project, keeping its id, timestamps,
// status and version. Used to promote records from the legacy store.
func (tx *Tx) ImportProject(p *schema.Project) error {
	return tx.insertProject(p)
}

func (tx *Tx) insertProject(p *schema.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	query := `
	INSERT INTO projects (` + projectColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.tx.ExecContext(tx.ctx, query,
		p.ID,
		p.Title,
		p.SourceText,
		p.Style,
		string(p.Status),
		p.Progress,
		nullString(p.VideoURL),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
		p.Version,
	)
	if err != nil {
		return storageErr("insert project "+p.ID, err)
	}

	tx.emit(EventProjectCreated, p.ID, "", "")
	return nil
}

// UpdateProject is DB.UpdateProject inside tx.
func (tx *Tx) UpdateProject(id string, patch schema.ProjectPatch) (*schema.Project, error) {
	p, err := getProject(tx.ctx, tx.tx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(p, tx.now); err != nil {
		return nil, fmt.Errorf("invalid update to project %s: %w", id, err)
	}

	query := `
	UPDATE projects SET
		title = ?, source_text = ?, style = ?, status = ?, progress = ?,
		video_url = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = tx.tx.ExecContext(tx.ctx, query,
		p.Title,
		p.SourceText,
		p.Style,
		string(p.Status),
		p.Progress,
		nullString(p.VideoURL),
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return nil, storageErr("update project "+id, err)
	}

	tx.emit(EventProjectUpdated, p.ID, "", "")
	return p, nil
}

// DeleteProject is DB.DeleteProject inside tx. Scenes are deleted one by
// one before the project so each deletion is reported to subscribers.
func (tx *Tx) DeleteProject(id string) error {
	if _, err := getProject(tx.ctx, tx.tx, id); err != nil {
		return err
	}

	scenes, err := listScenes(tx.ctx, tx.tx, id)
	if err != nil {
		return err
	}
	for _, s := range scenes {
		if err := tx.deleteScene(s.ID, id); err != nil {
			return err
		}
	}

	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return storageErr("delete project "+id, err)
	}

	tx.emit(EventProjectDeleted, id, "", "")
	return nil
}

// GetProject reads a project inside tx.
func (tx *Tx) GetProject(id string) (*schema.Project, error) {
	return getProject(tx.ctx, tx.tx, id)
}

// ProjectExists reports whether a project with id exists.
func (tx *Tx) ProjectExists(id string) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(tx.ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, storageErr("check project "+id, err)
	}
	return n > 0, nil
}

func getProject(ctx context.Context, q querier, id string) (*schema.Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, storageErr("get project "+id, err)
	}
	return p, nil
}

func scanProject(s scanner) (*schema.Project, error) {
	var p schema.Project
	var status string
	var videoURL sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&p.ID,
		&p.Title,
		&p.SourceText,
		&p.Style,
		&status,
		&p.Progress,
		&videoURL,
		&createdAt,
		&updatedAt,
		&p.Version,
	)
	if err != nil {
		return nil, err
	}

	p.Status = schema.ProjectStatus(status)
	p.VideoURL = stringPtr(videoURL)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
