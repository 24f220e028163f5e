package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func TestProject_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		project Project
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid draft",
			project: Project{
				ID: "p-1", Title: "Night Train", Status: ProjectDraft,
				CreatedAt: now, UpdatedAt: now,
			},
		},
		{
			name: "missing id",
			project: Project{
				Title: "Night Train", Status: ProjectDraft,
				CreatedAt: now, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name: "title too long",
			project: Project{
				ID: "p-1", Title: strings.Repeat("x", 501), Status: ProjectDraft,
				CreatedAt: now, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name: "unknown status",
			project: Project{
				ID: "p-1", Status: "exploded",
				CreatedAt: now, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "unknown project status",
		},
		{
			name: "progress above one",
			project: Project{
				ID: "p-1", Status: ProjectRendering, Progress: 1.5,
				CreatedAt: now, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "progress must be between 0 and 1",
		},
		{
			name: "completed without video",
			project: Project{
				ID: "p-1", Status: ProjectCompleted, Progress: 1,
				CreatedAt: now, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "has no video url",
		},
		{
			name: "completed with video",
			project: Project{
				ID: "p-1", Status: ProjectCompleted, Progress: 1, VideoURL: ptr("https://cdn/v.mp4"),
				CreatedAt: now, UpdatedAt: now,
			},
		},
		{
			name: "missing created_at",
			project: Project{
				ID: "p-1", Status: ProjectDraft, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "created_at is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.project.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() expected error containing %q, got nil", tt.errMsg)
				}
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Validate() error = %v, want ErrInvalid", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want to contain %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestProjectPatch_Apply(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(time.Hour)

	base := func(status ProjectStatus, progress float64) Project {
		return Project{
			ID: "p-1", Title: "Old", Status: status, Progress: progress,
			CreatedAt: created, UpdatedAt: created, Version: CurrentVersion,
		}
	}

	t.Run("merges only provided fields", func(t *testing.T) {
		p := base(ProjectDraft, 0)
		p.SourceText = "Once upon a time"
		if err := (ProjectPatch{Title: ptr("New")}).Apply(&p, later); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
		if p.Title != "New" {
			t.Errorf("Title = %q, want %q", p.Title, "New")
		}
		if p.SourceText != "Once upon a time" {
			t.Errorf("SourceText changed to %q", p.SourceText)
		}
		if !p.UpdatedAt.Equal(later) {
			t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, later)
		}
		if !p.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt changed to %v", p.CreatedAt)
		}
	})

	t.Run("empty patch still stamps updated_at", func(t *testing.T) {
		p := base(ProjectDraft, 0)
		if err := (ProjectPatch{}).Apply(&p, later); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
		if !p.UpdatedAt.Equal(later) {
			t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, later)
		}
	})

	t.Run("rendering progress cannot decrease", func(t *testing.T) {
		p := base(ProjectRendering, 0.6)
		err := (ProjectPatch{Progress: ptr(0.4)}).Apply(&p, later)
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("Apply() error = %v, want ErrInvalid", err)
		}
		if p.Progress != 0.6 || !p.UpdatedAt.Equal(created) {
			t.Errorf("project modified on rejected patch: %+v", p)
		}
	})

	t.Run("progress may reset when leaving rendering", func(t *testing.T) {
		p := base(ProjectRendering, 0.6)
		patch := ProjectPatch{Status: ptr(ProjectStoryboard), Progress: ptr(0.0)}
		if err := patch.Apply(&p, later); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
		if p.Status != ProjectStoryboard || p.Progress != 0 {
			t.Errorf("got status=%s progress=%v", p.Status, p.Progress)
		}
	})

	t.Run("completing requires video url", func(t *testing.T) {
		p := base(ProjectRendering, 0.5)
		err := (ProjectPatch{Status: ptr(ProjectCompleted), Progress: ptr(1.0)}).Apply(&p, later)
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("Apply() error = %v, want ErrInvalid", err)
		}

		patch := ProjectPatch{Status: ptr(ProjectCompleted), Progress: ptr(1.0), VideoURL: ptr("https://cdn/v.mp4")}
		if err := patch.Apply(&p, later); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
		if p.VideoURL == nil || *p.VideoURL != "https://cdn/v.mp4" {
			t.Errorf("VideoURL = %v", p.VideoURL)
		}
	})
}

func TestScenePatch_Apply(t *testing.T) {
	now := time.Now()
	s := Scene{ID: "s-1", ProjectID: "p-1", Text: "A train", CreatedAt: now, UpdatedAt: now}

	image := "https://cdn/s-1.png"
	patch := ScenePatch{Image: &image}
	if err := patch.Apply(&s, now.Add(time.Second)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	first := s

	if err := patch.Apply(&s, now.Add(time.Second)); err != nil {
		t.Fatalf("second Apply() failed: %v", err)
	}
	if *s.Image != *first.Image || s.Text != first.Text || !s.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("re-applying a patch changed the scene: %+v vs %+v", s, first)
	}

	image = "mutated"
	if *s.Image != "https://cdn/s-1.png" {
		t.Errorf("scene aliases patch memory: image = %q", *s.Image)
	}

	if err := (ScenePatch{Duration: ptr(-1.0)}).Apply(&s, now); !errors.Is(err, ErrInvalid) {
		t.Errorf("negative duration error = %v, want ErrInvalid", err)
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name     string
		typ      ActionType
		data     string
		wantType ActionType
		wantErr  bool
	}{
		{
			name:     "generate scenes",
			typ:      ActionGenerateScenes,
			data:     `{"project_id":"p-1","source_text":"story","scene_count":3}`,
			wantType: ActionGenerateScenes,
		},
		{
			name:     "generate image",
			typ:      ActionGenerateImage,
			data:     `{"scene_id":"s-1","prompt":"a red train"}`,
			wantType: ActionGenerateImage,
		},
		{
			name:     "generate video",
			typ:      ActionGenerateVideo,
			data:     `{"project_id":"p-1"}`,
			wantType: ActionGenerateVideo,
		},
		{
			name:     "update scene",
			typ:      ActionUpdateScene,
			data:     `{"scene_id":"s-1","patch":{"text":"new"}}`,
			wantType: ActionUpdateScene,
		},
		{name: "unknown type", typ: "generate_music", data: `{}`, wantErr: true},
		{name: "malformed json", typ: ActionGenerateVideo, data: `{"project_id":`, wantErr: true},
		{name: "missing required field", typ: ActionGenerateImage, data: `{"scene_id":"s-1"}`, wantErr: true},
		{name: "empty update patch", typ: ActionUpdateScene, data: `{"scene_id":"s-1","patch":{}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.typ, []byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("DecodePayload() error = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePayload() failed: %v", err)
			}
			if p.Type() != tt.wantType {
				t.Errorf("Type() = %s, want %s", p.Type(), tt.wantType)
			}
		})
	}
}

func TestEncodePayload_RoundTrip(t *testing.T) {
	in := &UpdateScenePayload{ProjectID: "p-1", SceneID: "s-1", Patch: ScenePatch{Text: ptr("edited")}}
	data, err := EncodePayload(in)
	if err != nil {
		t.Fatalf("EncodePayload() failed: %v", err)
	}
	out, err := DecodePayload(ActionUpdateScene, data)
	if err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	got, ok := out.(*UpdateScenePayload)
	if !ok {
		t.Fatalf("decoded %T, want *UpdateScenePayload", out)
	}
	if got.SceneID != "s-1" || got.Patch.Text == nil || *got.Patch.Text != "edited" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.TargetProject() != "p-1" {
		t.Errorf("TargetProject() = %q, want p-1", got.TargetProject())
	}

	if _, err := EncodePayload(&GenerateVideoPayload{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("EncodePayload(invalid) error = %v, want ErrInvalid", err)
	}
}
