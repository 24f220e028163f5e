// Package migrate promotes projects from the legacy flat store into the
// offline entity store.
//
// Migration runs at most once per store: a meta flag records completion and
// later runs return immediately. Each legacy project is migrated in its own
// transaction, together with the queue entries its state implies, and
// projects already present are skipped, so an interrupted or partially
// failed run is simply repeated.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/schema"
)

// FlagKey is the meta key set once the legacy store has been migrated. Its
// value is the completion time.
const FlagKey = "migration.legacy_projects.completed"

// maxTitleLen mirrors the entity store's title limit.
const maxTitleLen = 500

// legacySceneNamespace seeds the ids of migrated legacy scenes.
var legacySceneNamespace = uuid.MustParse("9c4d2e71-0b3a-4f5e-a6c8-1d7e9f20b4a3")

// Options controls a migration run.
type Options struct {
	DryRun bool // Count what would be migrated without writing
	Backup bool // Copy the legacy file before the first write
}

// Result contains statistics about a migration run.
type Result struct {
	AlreadyCompleted bool   `json:"already_completed"`
	ProjectsFound    int    `json:"projects_found"`
	ProjectsMigrated int    `json:"projects_migrated"`
	ProjectsExisting int    `json:"projects_existing"`
	ScenesMigrated   int    `json:"scenes_migrated"`
	ActionsEnqueued  int    `json:"actions_enqueued"`
	BackupCreated    string `json:"backup_created,omitempty"`
}

// Failure is one legacy project that could not be migrated.
type Failure struct {
	ProjectID string
	Err       error
}

// Error reports a migration that did not complete. The flag stays unset and
// the next run retries.
type Error struct {
	Path     string
	Err      error     // file-level failure, if any
	Failures []Failure // per-project failures
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("legacy migration of %s failed: %v", e.Path, e.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "legacy migration of %s: %d project(s) failed", e.Path, len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.ProjectID, f.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Manager migrates one legacy file into a store.
type Manager struct {
	store  *db.DB
	path   string
	logger *log.Logger
}

// NewManager creates a manager for the legacy file at path. A nil logger
// logs to stderr.
func NewManager(store *db.DB, path string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Manager{store: store, path: path, logger: logger}
}

// Path returns the legacy file path.
func (m *Manager) Path() string {
	return m.path
}

// Completed reports whether the migration flag is set.
func (m *Manager) Completed(ctx context.Context) (bool, error) {
	_, ok, err := m.store.GetMeta(ctx, FlagKey)
	if err != nil {
		return false, fmt.Errorf("failed to read migration flag: %w", err)
	}
	return ok, nil
}

// Run migrates the legacy file unless the flag is already set. A missing
// legacy file means there is nothing to migrate and sets the flag.
//
// Storage errors reading the flag are returned as is; everything else that
// stops the migration is a *Error.
func (m *Manager) Run(ctx context.Context, opts Options) (*Result, error) {
	done, err := m.Completed(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return &Result{AlreadyCompleted: true}, nil
	}

	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		m.logger.Printf("No legacy store at %s, nothing to migrate", m.path)
		if opts.DryRun {
			return &Result{}, nil
		}
		if err := m.setFlag(ctx); err != nil {
			return nil, err
		}
		return &Result{}, nil
	} else if err != nil {
		return nil, &Error{Path: m.path, Err: err}
	}

	projects, err := ReadLegacyFile(m.path)
	if err != nil {
		return nil, &Error{Path: m.path, Err: err}
	}

	result := &Result{ProjectsFound: len(projects)}

	if opts.Backup && !opts.DryRun {
		backup, err := m.backup()
		if err != nil {
			return nil, &Error{Path: m.path, Err: err}
		}
		result.BackupCreated = backup
	}

	if err := m.migrateAll(ctx, projects, opts, result); err != nil {
		return result, err
	}
	if opts.DryRun {
		return result, nil
	}

	if err := m.setFlag(ctx); err != nil {
		return result, err
	}
	m.logger.Printf("Migrated %d project(s), %d already present, %d action(s) enqueued",
		result.ProjectsMigrated, result.ProjectsExisting, result.ActionsEnqueued)
	return result, nil
}

// Import migrates the projects in path with the same per-project rules as
// Run, without consulting or setting the flag.
func (m *Manager) Import(ctx context.Context, path string) (*Result, error) {
	projects, err := ReadLegacyFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	result := &Result{ProjectsFound: len(projects)}
	if err := m.migrateAll(ctx, projects, Options{}, result); err != nil {
		var merr *Error
		if errors.As(err, &merr) {
			merr.Path = path
		}
		return result, err
	}
	return result, nil
}

func (m *Manager) migrateAll(ctx context.Context, projects []LegacyProject, opts Options, result *Result) error {
	var failures []Failure
	for i := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}
		lp := &projects[i]

		migrated, err := m.migrateProject(ctx, lp, opts.DryRun, result)
		if err != nil {
			m.logger.Printf("Warning: failed to migrate project %s: %v", lp.ID, err)
			failures = append(failures, Failure{ProjectID: lp.ID, Err: err})
			continue
		}
		if !migrated {
			result.ProjectsExisting++
			continue
		}
		result.ProjectsMigrated++
	}

	if len(failures) > 0 {
		return &Error{Path: m.path, Failures: failures}
	}
	return nil
}

// migrateProject writes one legacy project, its scenes and its implied
// actions in a single transaction. It reports false if the project already
// exists.
func (m *Manager) migrateProject(ctx context.Context, lp *LegacyProject, dryRun bool, result *Result) (bool, error) {
	if lp.ID == "" {
		return false, fmt.Errorf("%w: legacy project has no id", schema.ErrInvalid)
	}

	if dryRun {
		_, err := m.store.GetProject(ctx, lp.ID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return false, err
		}
		p, scenes := convert(lp, m.store.Clock().Now().UTC())
		result.ScenesMigrated += len(scenes)
		result.ActionsEnqueued += len(impliedActions(p, scenes))
		return true, nil
	}

	var scenesWritten, enqueued int
	migrated := false
	err := m.store.Update(ctx, func(tx *db.Tx) error {
		exists, err := tx.ProjectExists(lp.ID)
		if err != nil || exists {
			return err
		}

		p, scenes := convert(lp, tx.Now())
		if err := tx.ImportProject(p); err != nil {
			return err
		}
		for _, s := range scenes {
			if err := tx.ImportScene(s); err != nil {
				return fmt.Errorf("scene %s: %w", s.ID, err)
			}
		}
		actions := impliedActions(p, scenes)
		for _, payload := range actions {
			if _, err := tx.Enqueue(payload); err != nil {
				return fmt.Errorf("enqueue %s: %w", payload.Type(), err)
			}
		}

		migrated = true
		scenesWritten = len(scenes)
		enqueued = len(actions)
		return nil
	})
	if err != nil {
		return false, err
	}
	result.ScenesMigrated += scenesWritten
	result.ActionsEnqueued += enqueued
	return migrated, nil
}

// convert maps a legacy project onto entity records. now fills in missing
// timestamps.
func convert(lp *LegacyProject, now time.Time) (*schema.Project, []*schema.Scene) {
	created := lp.CreatedAt.Time
	if created.IsZero() {
		created = now
	}
	updated := lp.UpdatedAt.Time
	if updated.IsZero() {
		updated = created
	}

	p := &schema.Project{
		ID:         lp.ID,
		Title:      truncate(lp.Title, maxTitleLen),
		SourceText: lp.Text(),
		Style:      lp.Style,
		Status:     MapStatus(lp.Status, lp.VideoURL != ""),
		Progress:   clamp(lp.Progress),
		CreatedAt:  created,
		UpdatedAt:  updated,
		Version:    schema.LegacyVersion,
	}
	if lp.VideoURL != "" {
		video := lp.VideoURL
		p.VideoURL = &video
	}
	if p.Status == schema.ProjectCompleted {
		p.Progress = 1
	}

	scenes := make([]*schema.Scene, 0, len(lp.Scenes))
	for i, ls := range lp.Scenes {
		id := LegacySceneID(lp.ID, ls.ID, i)
		sCreated := ls.CreatedAt.Time
		if sCreated.IsZero() {
			sCreated = created
		}
		sUpdated := ls.UpdatedAt.Time
		if sUpdated.IsZero() {
			sUpdated = sCreated
		}

		s := &schema.Scene{
			ID:        id,
			ProjectID: lp.ID,
			Position:  i,
			Text:      ls.Text,
			CreatedAt: sCreated,
			UpdatedAt: sUpdated,
		}
		if ls.ImagePrompt != "" {
			prompt := ls.ImagePrompt
			s.ImagePrompt = &prompt
		}
		if ls.Image != "" {
			image := ls.Image
			s.Image = &image
		}
		if ls.Duration != nil && *ls.Duration >= 0 {
			d := *ls.Duration
			s.Duration = &d
		}
		scenes = append(scenes, s)
	}
	return p, scenes
}

// LegacySceneID returns the store id for the legacy scene at index in
// projectID. Legacy scene ids are only unique within their project, so the
// id is derived from both; scenes without one are keyed by position.
func LegacySceneID(projectID, legacyID string, index int) string {
	key := projectID + "/" + legacyID
	if legacyID == "" {
		key = projectID + "#" + strconv.Itoa(index)
	}
	return uuid.NewSHA1(legacySceneNamespace, []byte(key)).String()
}

// impliedActions lists the work a migrated project still needs. Scene
// images come before the video so the render sees them.
func impliedActions(p *schema.Project, scenes []*schema.Scene) []schema.ActionPayload {
	var actions []schema.ActionPayload

	if p.Status == schema.ProjectStoryboard && len(scenes) == 0 {
		actions = append(actions, &schema.GenerateScenesPayload{
			ProjectID:  p.ID,
			SourceText: p.SourceText,
			Style:      p.Style,
		})
	}

	if p.Status == schema.ProjectStoryboard || p.Status == schema.ProjectRendering {
		for _, s := range scenes {
			if s.ImagePrompt == nil || *s.ImagePrompt == "" || s.Image != nil {
				continue
			}
			actions = append(actions, &schema.GenerateImagePayload{
				ProjectID: p.ID,
				SceneID:   s.ID,
				Prompt:    *s.ImagePrompt,
				Style:     p.Style,
			})
		}
	}

	if p.Status == schema.ProjectRendering && p.VideoURL == nil && len(scenes) > 0 {
		actions = append(actions, &schema.GenerateVideoPayload{ProjectID: p.ID})
	}
	return actions
}

// MapStatus maps a legacy status onto a project status. A completed project
// without a video cannot be completed and falls back to storyboard.
func MapStatus(legacy string, hasVideo bool) schema.ProjectStatus {
	var status schema.ProjectStatus
	switch strings.ToLower(strings.TrimSpace(legacy)) {
	case "storyboard", "scenes_ready":
		status = schema.ProjectStoryboard
	case "rendering", "generating_video":
		status = schema.ProjectRendering
	case "completed", "done":
		status = schema.ProjectCompleted
	default:
		// draft, generating, generating_scenes and anything unknown
		status = schema.ProjectDraft
	}
	if status == schema.ProjectCompleted && !hasVideo {
		status = schema.ProjectStoryboard
	}
	return status
}

func (m *Manager) setFlag(ctx context.Context) error {
	now := m.store.Clock().Now().UTC().Format(time.RFC3339)
	if err := m.store.SetMeta(ctx, FlagKey, now); err != nil {
		return fmt.Errorf("failed to set migration flag: %w", err)
	}
	return nil
}

func (m *Manager) backup() (string, error) {
	backupPath := m.path + ".backup." + m.store.Clock().Now().Format("20060102-150405")
	input, err := os.ReadFile(m.path)
	if err != nil {
		return "", fmt.Errorf("failed to read legacy file for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	m.logger.Printf("Backed up legacy store to %s", backupPath)
	return backupPath, nil
}

func clamp(progress float64) float64 {
	switch {
	case progress < 0:
		return 0
	case progress > 1:
		return 1
	}
	return progress
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
