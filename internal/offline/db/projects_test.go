package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storyforge/storyforge/internal/offline/schema"
)

func TestCreateProject_Defaults(t *testing.T) {
	db, _ := openTestDB(t)
	p := createTestProject(t, db, "Night Train")

	if p.ID == "" {
		t.Error("ID not assigned")
	}
	if p.Status != schema.ProjectDraft {
		t.Errorf("Status = %s, want draft", p.Status)
	}
	if p.Progress != 0 {
		t.Errorf("Progress = %v, want 0", p.Progress)
	}
	if p.Version != schema.CurrentVersion {
		t.Errorf("Version = %d, want %d", p.Version, schema.CurrentVersion)
	}
	if !p.CreatedAt.Equal(testEpoch) || !p.UpdatedAt.Equal(testEpoch) {
		t.Errorf("timestamps = %v / %v, want %v", p.CreatedAt, p.UpdatedAt, testEpoch)
	}

	got, err := db.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProject() failed: %v", err)
	}
	if got.Title != "Night Train" || got.SourceText != "story of Night Train" || !got.CreatedAt.Equal(testEpoch) {
		t.Errorf("stored project mismatch: %+v", got)
	}
}

func TestCreateProject_KeepsSuppliedID(t *testing.T) {
	db, _ := openTestDB(t)
	p, err := db.CreateProject(context.Background(), schema.ProjectFields{ID: "legacy-7", Title: "old"})
	if err != nil {
		t.Fatalf("CreateProject() failed: %v", err)
	}
	if p.ID != "legacy-7" {
		t.Errorf("ID = %q, want legacy-7", p.ID)
	}
}

func TestCreateProject_InvalidTitle(t *testing.T) {
	db, _ := openTestDB(t)
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	_, err := db.CreateProject(context.Background(), schema.ProjectFields{Title: string(long)})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("CreateProject() error = %v, want ErrInvalid", err)
	}
}

func TestUpdateProject(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, db, "before")

	clock.Advance(time.Minute)
	got, err := db.UpdateProject(ctx, p.ID, schema.ProjectPatch{Title: ptr("after")})
	if err != nil {
		t.Fatalf("UpdateProject() failed: %v", err)
	}
	if got.Title != "after" || got.SourceText != p.SourceText {
		t.Errorf("merge mismatch: %+v", got)
	}
	if !got.UpdatedAt.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, testEpoch.Add(time.Minute))
	}
	if !got.CreatedAt.Equal(testEpoch) {
		t.Errorf("CreatedAt changed to %v", got.CreatedAt)
	}

	if _, err := db.UpdateProject(ctx, "missing", schema.ProjectPatch{Title: ptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateProject(missing) = %v, want ErrNotFound", err)
	}

	_, err = db.UpdateProject(ctx, p.ID, schema.ProjectPatch{Status: ptr(schema.ProjectCompleted)})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("completing without video = %v, want ErrInvalid", err)
	}
}

func TestUpdateProject_RenderingProgressMonotonic(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, db, "render")

	if _, err := db.UpdateProject(ctx, p.ID, schema.ProjectPatch{Status: ptr(schema.ProjectRendering), Progress: ptr(0.5)}); err != nil {
		t.Fatalf("UpdateProject() failed: %v", err)
	}
	if _, err := db.UpdateProject(ctx, p.ID, schema.ProjectPatch{Progress: ptr(0.3)}); !errors.Is(err, ErrInvalid) {
		t.Errorf("lowering progress = %v, want ErrInvalid", err)
	}
	got, _ := db.GetProject(ctx, p.ID)
	if got.Progress != 0.5 {
		t.Errorf("Progress = %v, want 0.5", got.Progress)
	}
}

func TestDeleteProject_CascadesToScenes(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, db, "doomed")
	other := createTestProject(t, db, "survivor")

	if _, err := db.CreateScenes(ctx, p.ID, []schema.SceneFields{{Text: "a"}, {Text: "b", Position: 1}}); err != nil {
		t.Fatalf("CreateScenes() failed: %v", err)
	}
	if _, err := db.CreateScenes(ctx, other.ID, []schema.SceneFields{{Text: "c"}}); err != nil {
		t.Fatalf("CreateScenes() failed: %v", err)
	}

	if err := db.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() failed: %v", err)
	}

	if _, err := db.GetProject(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProject() after delete = %v, want ErrNotFound", err)
	}
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM scenes WHERE project_id = ?`, p.ID).Scan(&n); err != nil {
		t.Fatalf("count scenes: %v", err)
	}
	if n != 0 {
		t.Errorf("%d scenes left for deleted project", n)
	}
	if n, _ := db.CountScenes(ctx, other.ID); n != 1 {
		t.Errorf("other project has %d scenes, want 1", n)
	}
}

func TestDeleteProject_MissingTouchesNothing(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, db, "keep")
	if _, err := db.CreateScenes(ctx, p.ID, []schema.SceneFields{{Text: "a"}}); err != nil {
		t.Fatalf("CreateScenes() failed: %v", err)
	}
	if _, err := db.Enqueue(ctx, &schema.GenerateVideoPayload{ProjectID: p.ID}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := db.DeleteProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteProject(missing) = %v, want ErrNotFound", err)
	}

	if n, _ := db.CountScenes(ctx, p.ID); n != 1 {
		t.Errorf("scene count = %d, want 1", n)
	}
	stats, _ := db.QueueStats(ctx)
	if stats.Pending != 1 {
		t.Errorf("pending actions = %d, want 1", stats.Pending)
	}
}

func TestListProjects(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	a := createTestProject(t, db, "a")
	clock.Advance(time.Second)
	b := createTestProject(t, db, "b")
	clock.Advance(time.Second)
	if _, err := db.UpdateProject(ctx, b.ID, schema.ProjectPatch{Status: ptr(schema.ProjectStoryboard)}); err != nil {
		t.Fatalf("UpdateProject() failed: %v", err)
	}

	all, err := db.ListProjects(ctx, ProjectFilter{})
	if err != nil {
		t.Fatalf("ListProjects() failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != b.ID || all[1].ID != a.ID {
		t.Errorf("ListProjects() order wrong: %v", projectIDs(all))
	}

	boards, err := db.ListProjects(ctx, ProjectFilter{Status: schema.ProjectStoryboard})
	if err != nil {
		t.Fatalf("ListProjects(status) failed: %v", err)
	}
	if len(boards) != 1 || boards[0].ID != b.ID {
		t.Errorf("ListProjects(storyboard) = %v, want [%s]", projectIDs(boards), b.ID)
	}
}

func projectIDs(ps []*schema.Project) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}
