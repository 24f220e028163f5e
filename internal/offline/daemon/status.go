package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/migrate"
	"github.com/storyforge/storyforge/internal/offline/schema"
)

// Status is a point-in-time summary of the offline core.
type Status struct {
	Online             bool                         `json:"online"`
	Projects           int                          `json:"projects"`
	ProjectsByStatus   map[schema.ProjectStatus]int `json:"projects_by_status"`
	Queue              db.QueueStats                `json:"queue"`
	MigrationCompleted bool                         `json:"migration_completed"`
	DBPath             string                       `json:"db_path"`
	StartedAt          *time.Time                   `json:"started_at,omitempty"`
	InboxDir           string                       `json:"inbox_dir,omitempty"`
	DashboardAddr      string                       `json:"dashboard_addr,omitempty"`
}

// CollectStatus summarizes store. It works without a running daemon, in
// which case online is whatever the caller believes.
func CollectStatus(ctx context.Context, store *db.DB, online bool) (*Status, error) {
	projects, err := store.ListProjects(ctx, db.ProjectFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	queue, err := store.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	_, migrated, err := store.GetMeta(ctx, migrate.FlagKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration flag: %w", err)
	}

	st := &Status{
		Online:             online,
		Projects:           len(projects),
		ProjectsByStatus:   make(map[schema.ProjectStatus]int),
		Queue:              queue,
		MigrationCompleted: migrated,
		DBPath:             store.Path(),
	}
	for _, p := range projects {
		st.ProjectsByStatus[p.Status]++
	}
	return st, nil
}

// Status summarizes the running daemon.
func (d *Daemon) Status(ctx context.Context) (*Status, error) {
	st, err := CollectStatus(ctx, d.store, d.monitor.Online())
	if err != nil {
		return nil, err
	}
	if !d.startedAt.IsZero() {
		started := d.startedAt
		st.StartedAt = &started
	}
	if d.inbox != nil {
		st.InboxDir = d.inbox.Dir()
	}
	if d.dashboard != nil {
		st.DashboardAddr = d.dashboard.Addr()
	}
	return st, nil
}
