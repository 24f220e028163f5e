package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storyforge/storyforge/internal/netstate"
	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/remote"
)

// fakeRemote records calls and answers with the configured functions.
type fakeRemote struct {
	mu        sync.Mutex
	calls     map[schema.ActionType]int
	decompose func(ctx context.Context, req remote.DecomposeRequest) ([]remote.GeneratedScene, error)
	image     func(ctx context.Context, req remote.ImageRequest) (string, error)
	video     func(ctx context.Context, req remote.VideoRequest) (string, error)
}

func (f *fakeRemote) record(t schema.ActionType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[schema.ActionType]int{}
	}
	f.calls[t]++
}

func (f *fakeRemote) count(t schema.ActionType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[t]
}

func (f *fakeRemote) DecomposeScenes(ctx context.Context, req remote.DecomposeRequest) ([]remote.GeneratedScene, error) {
	f.record(schema.ActionGenerateScenes)
	return f.decompose(ctx, req)
}

func (f *fakeRemote) GenerateImage(ctx context.Context, req remote.ImageRequest) (string, error) {
	f.record(schema.ActionGenerateImage)
	return f.image(ctx, req)
}

func (f *fakeRemote) RenderVideo(ctx context.Context, req remote.VideoRequest) (string, error) {
	f.record(schema.ActionGenerateVideo)
	return f.video(ctx, req)
}

type testEnv struct {
	engine  *Engine
	store   *db.DB
	clock   *clockwork.FakeClock
	remote  *fakeRemote
	monitor *netstate.Monitor
	notes   *notify.Recorder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := db.OpenWithConfig(filepath.Join(t.TempDir(), "engine.db"), db.Config{Clock: clock})
	if err != nil {
		t.Fatalf("OpenWithConfig() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fr := &fakeRemote{}
	monitor := netstate.NewMonitor(true)
	notes := &notify.Recorder{}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	return &testEnv{
		engine:  NewWithConfig(store, fr, monitor, notes, cfg),
		store:   store,
		clock:   clock,
		remote:  fr,
		monitor: monitor,
		notes:   notes,
	}
}

func (env *testEnv) project(t *testing.T, title string) *schema.Project {
	t.Helper()
	p, err := env.store.CreateProject(context.Background(), schema.ProjectFields{Title: title, SourceText: "Once upon a time"})
	if err != nil {
		t.Fatalf("CreateProject() failed: %v", err)
	}
	return p
}

func (env *testEnv) enqueue(t *testing.T, payload schema.ActionPayload) *schema.QueuedAction {
	t.Helper()
	a, err := env.store.Enqueue(context.Background(), payload)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return a
}

func (env *testEnv) drain(t *testing.T) DrainResult {
	t.Helper()
	res, err := env.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	return res
}

func (env *testEnv) action(t *testing.T, id string) *schema.QueuedAction {
	t.Helper()
	a, err := env.store.GetAction(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAction() failed: %v", err)
	}
	return a
}

func TestGenerateScenes_WritesStoryboard(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.project(t, "Night Train")

	env.remote.decompose = func(ctx context.Context, req remote.DecomposeRequest) ([]remote.GeneratedScene, error) {
		if req.Text != "Once upon a time" || req.SceneCount != 3 {
			t.Errorf("decompose request = %+v", req)
		}
		return []remote.GeneratedScene{
			{Text: "A station at night.", ImagePrompt: "empty platform"},
			{Text: "The train arrives."},
			{Text: "It leaves."},
		}, nil
	}
	a := env.enqueue(t, &schema.GenerateScenesPayload{ProjectID: p.ID, SceneCount: 3})

	res := env.drain(t)
	if res.Processed != 1 || res.Completed != 1 {
		t.Errorf("Drain() = %+v", res)
	}

	scenes, err := env.store.ListScenes(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListScenes() failed: %v", err)
	}
	if len(scenes) != 3 {
		t.Fatalf("got %d scenes, want 3", len(scenes))
	}
	for i, s := range scenes {
		if s.ID != SceneID(a.ID, i) || s.Position != i {
			t.Errorf("scene %d = id %s pos %d, want %s/%d", i, s.ID, s.Position, SceneID(a.ID, i), i)
		}
	}
	if scenes[0].ImagePrompt == nil || *scenes[0].ImagePrompt != "empty platform" {
		t.Errorf("ImagePrompt = %v", scenes[0].ImagePrompt)
	}

	got, _ := env.store.GetProject(ctx, p.ID)
	if got.Status != schema.ProjectStoryboard {
		t.Errorf("project status = %s, want storyboard", got.Status)
	}
	if st := env.action(t, a.ID).Status; st != schema.ActionCompleted {
		t.Errorf("action status = %s, want completed", st)
	}
	if env.remote.count(schema.ActionGenerateScenes) != 1 {
		t.Errorf("decompose called %d times", env.remote.count(schema.ActionGenerateScenes))
	}
}

func TestSceneID_Deterministic(t *testing.T) {
	if SceneID("a-1", 0) != SceneID("a-1", 0) {
		t.Error("SceneID is not deterministic")
	}
	if SceneID("a-1", 0) == SceneID("a-1", 1) || SceneID("a-1", 0) == SceneID("a-2", 0) {
		t.Error("SceneID collides across index or action")
	}
}

func TestGenerateImage_TimeoutsExhaustRetries(t *testing.T) {
	policy := db.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}
	env := newTestEnv(t, Config{Retry: policy, DispatchTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	p := env.project(t, "Slow")
	scenes, err := env.store.CreateScenes(ctx, p.ID, []schema.SceneFields{{Text: "t", ImagePrompt: ptr("a lighthouse")}})
	if err != nil {
		t.Fatalf("CreateScenes() failed: %v", err)
	}
	s := scenes[0]

	env.remote.image = func(ctx context.Context, req remote.ImageRequest) (string, error) {
		<-ctx.Done()
		return "", &remote.Error{Kind: remote.Transient, Op: "generate image", Err: ctx.Err()}
	}
	a := env.enqueue(t, &schema.GenerateImagePayload{ProjectID: p.ID, SceneID: s.ID, Prompt: "a lighthouse"})

	if res := env.drain(t); res.Retried != 1 {
		t.Fatalf("first Drain() = %+v, want one retry", res)
	}
	if got := env.action(t, a.ID); got.Status != schema.ActionPending || got.RetryCount != 1 {
		t.Fatalf("after attempt 1: %s/%d", got.Status, got.RetryCount)
	}

	// Still backing off: nothing to do yet.
	if res := env.drain(t); res.Processed != 0 {
		t.Fatalf("Drain() during backoff processed %d", res.Processed)
	}

	env.clock.Advance(time.Second)
	if res := env.drain(t); res.Retried != 1 {
		t.Fatalf("second Drain() = %+v, want one retry", res)
	}

	env.clock.Advance(2 * time.Second)
	if res := env.drain(t); res.Failed != 1 {
		t.Fatalf("third Drain() = %+v, want one failure", res)
	}

	got := env.action(t, a.ID)
	if got.Status != schema.ActionFailed || got.RetryCount != policy.MaxRetries {
		t.Errorf("final action = %s/%d, want failed/%d", got.Status, got.RetryCount, policy.MaxRetries)
	}
	if n := env.remote.count(schema.ActionGenerateImage); n != 3 {
		t.Errorf("image attempts = %d, want 3", n)
	}
	stored, _ := env.store.GetScene(ctx, s.ID)
	if stored.Image != nil {
		t.Errorf("scene image = %q, want unset", *stored.Image)
	}
	if n := env.notes.Count(notify.Error); n != 1 {
		t.Errorf("error notifications = %d, want 1", n)
	}
}

func TestPermanentFailure_FailsImmediately(t *testing.T) {
	env := newTestEnv(t, Config{})
	p := env.project(t, "Rejected")

	env.remote.decompose = func(ctx context.Context, req remote.DecomposeRequest) ([]remote.GeneratedScene, error) {
		return nil, &remote.Error{Kind: remote.Permanent, StatusCode: 400, Op: "decompose scenes", Err: errors.New("text too long")}
	}
	a := env.enqueue(t, &schema.GenerateScenesPayload{ProjectID: p.ID})
	next := env.enqueue(t, &schema.GenerateVideoPayload{ProjectID: "gone"})

	res := env.drain(t)
	if res.Failed != 1 || res.Completed != 1 {
		t.Errorf("Drain() = %+v, want 1 failed and 1 completed", res)
	}

	got := env.action(t, a.ID)
	if got.Status != schema.ActionFailed || got.RetryCount != 0 {
		t.Errorf("action = %s/%d, want failed/0", got.Status, got.RetryCount)
	}
	if got.LastError == nil {
		t.Error("LastError not recorded")
	}
	if env.notes.Count(notify.Error) != 1 {
		t.Errorf("error notifications = %d, want 1", env.notes.Count(notify.Error))
	}
	if st := env.action(t, next.ID).Status; st != schema.ActionCompleted {
		t.Errorf("following action = %s, want completed", st)
	}
}

func TestOffline_DispatchesNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	p := env.project(t, "Offline")
	a := env.enqueue(t, &schema.GenerateVideoPayload{ProjectID: p.ID})

	env.monitor.Set(false)
	if res := env.drain(t); res.Processed != 0 {
		t.Errorf("Drain() offline processed %d", res.Processed)
	}
	if env.remote.count(schema.ActionGenerateVideo) != 0 {
		t.Error("remote called while offline")
	}
	if st := env.action(t, a.ID).Status; st != schema.ActionPending {
		t.Errorf("action status = %s, want pending", st)
	}
}

func TestDeletedTarget_CompletesAsNoop(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.project(t, "Deleted")
	a := env.enqueue(t, &schema.GenerateVideoPayload{ProjectID: p.ID})
	b := env.enqueue(t, &schema.GenerateImagePayload{SceneID: "missing-scene", Prompt: "x"})

	if err := env.store.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() failed: %v", err)
	}

	res := env.drain(t)
	if res.Completed != 2 {
		t.Errorf("Drain() = %+v, want 2 completed", res)
	}
	for _, id := range []string{a.ID, b.ID} {
		if st := env.action(t, id).Status; st != schema.ActionCompleted {
			t.Errorf("action %s = %s, want completed", id, st)
		}
	}
	if env.remote.count(schema.ActionGenerateVideo)+env.remote.count(schema.ActionGenerateImage) != 0 {
		t.Error("remote called for a deleted target")
	}
	if len(env.notes.Records()) != 0 {
		t.Errorf("notifications for no-ops: %v", env.notes.Records())
	}
}

func TestGenerateVideo_CompletesProject(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.project(t, "Finale")
	if _, err := env.store.CreateScenes(ctx, p.ID, []schema.SceneFields{
		{Text: "one", Image: ptr("https://cdn/1.png"), Duration: ptr(3.0)},
		{Text: "two", Position: 1},
	}); err != nil {
		t.Fatalf("CreateScenes() failed: %v", err)
	}

	var sawRendering bool
	env.remote.video = func(ctx context.Context, req remote.VideoRequest) (string, error) {
		cur, _ := env.store.GetProject(context.Background(), p.ID)
		sawRendering = cur.Status == schema.ProjectRendering
		if len(req.Scenes) != 2 || req.Scenes[0].Image != "https://cdn/1.png" || req.Scenes[0].Duration != 3 {
			t.Errorf("video request = %+v", req)
		}
		return "https://cdn/final.mp4", nil
	}
	env.enqueue(t, &schema.GenerateVideoPayload{ProjectID: p.ID})
	env.drain(t)

	if !sawRendering {
		t.Error("project was not rendering during dispatch")
	}
	got, _ := env.store.GetProject(ctx, p.ID)
	if got.Status != schema.ProjectCompleted || got.Progress != 1 || got.VideoURL == nil || *got.VideoURL != "https://cdn/final.mp4" {
		t.Errorf("project = %+v", got)
	}
	recs := env.notes.Records()
	if len(recs) != 1 || recs[0].Kind != notify.Success {
		t.Errorf("notifications = %+v, want one success", recs)
	}
}

func TestUpdateScene_AppliesPatchWithoutRemote(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p := env.project(t, "Edit")
	scenes, _ := env.store.CreateScenes(ctx, p.ID, []schema.SceneFields{{Text: "before"}})

	env.enqueue(t, &schema.UpdateScenePayload{ProjectID: p.ID, SceneID: scenes[0].ID, Patch: schema.ScenePatch{Text: ptr("after")}})
	if res := env.drain(t); res.Completed != 1 {
		t.Fatalf("Drain() = %+v", res)
	}
	got, _ := env.store.GetScene(ctx, scenes[0].ID)
	if got.Text != "after" {
		t.Errorf("Text = %q, want after", got.Text)
	}
}

type fakeMirror struct{ objects []string }

func (m *fakeMirror) Mirror(ctx context.Context, sourceURL, object string) (string, error) {
	m.objects = append(m.objects, object)
	return "https://minio.local/" + object, nil
}

func TestGenerateImage_Mirrored(t *testing.T) {
	mirror := &fakeMirror{}
	env := newTestEnv(t, Config{Mirror: mirror})
	ctx := context.Background()
	p := env.project(t, "Mirror")
	scenes, _ := env.store.CreateScenes(ctx, p.ID, []schema.SceneFields{{Text: "t"}})

	env.remote.image = func(ctx context.Context, req remote.ImageRequest) (string, error) {
		return "https://tmp.gen/abc.webp", nil
	}
	env.enqueue(t, &schema.GenerateImagePayload{ProjectID: p.ID, SceneID: scenes[0].ID, Prompt: "p"})
	env.drain(t)

	got, _ := env.store.GetScene(ctx, scenes[0].ID)
	want := "https://minio.local/projects/" + p.ID + "/scenes/" + scenes[0].ID + ".webp"
	if got.Image == nil || *got.Image != want {
		t.Errorf("Image = %v, want %s", got.Image, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errorClass
	}{
		{"remote transient", &remote.Error{Kind: remote.Transient, StatusCode: 503, Err: errors.New("x")}, transient},
		{"remote permanent", &remote.Error{Kind: remote.Permanent, StatusCode: 422, Err: errors.New("x")}, permanent},
		{"storage unavailable", &db.StorageError{Op: "commit", Err: errors.New("disk full")}, transient},
		{"invalid payload", schema.ErrInvalid, permanent},
		{"deadline", context.DeadlineExceeded, transient},
		{"no scenes", errNoScenes, transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRun_ProcessesAndStops(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, schema.ProjectFields{Title: "Live"})
	// Left processing by a previous crash.
	interrupted, _ := store.Enqueue(ctx, &schema.GenerateVideoPayload{ProjectID: p.ID})
	if _, err := store.ClaimNext(ctx, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}

	fr := &fakeRemote{video: func(ctx context.Context, req remote.VideoRequest) (string, error) {
		return "https://cdn/live.mp4", nil
	}}
	e := NewWithConfig(store, fr, netstate.NewMonitor(true), nil, Config{
		PollInterval: 20 * time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	waitFor(t, func() bool {
		a, err := store.GetAction(ctx, interrupted.ID)
		return err == nil && a.Status == schema.ActionCompleted
	})

	// Enqueue while running; the engine picks it up.
	later, _ := store.Enqueue(ctx, &schema.GenerateVideoPayload{ProjectID: p.ID})
	waitFor(t, func() bool {
		a, err := store.GetAction(ctx, later.ID)
		return err == nil && a.Status == schema.ActionCompleted
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestRun_WakesOnConnectivityAndBackoff(t *testing.T) {
	policy := db.RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}
	env := newTestEnv(t, Config{Retry: policy, PollInterval: 24 * time.Hour, SweepInterval: 24 * time.Hour})
	ctx := context.Background()

	var attempts int
	var mu sync.Mutex
	env.remote.video = func(ctx context.Context, req remote.VideoRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return "", &remote.Error{Kind: remote.Transient, StatusCode: 503, Op: "render video", Err: errors.New("busy")}
		}
		return "https://cdn/wake.mp4", nil
	}
	p := env.project(t, "Wake")
	if _, err := env.store.CreateScenes(ctx, p.ID, []schema.SceneFields{{Text: "dawn", Image: ptr("https://cdn/dawn.png")}}); err != nil {
		t.Fatalf("CreateScenes() failed: %v", err)
	}
	a := env.enqueue(t, &schema.GenerateVideoPayload{ProjectID: p.ID})

	env.monitor.Set(false)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	if n := env.remote.count(schema.ActionGenerateVideo); n != 0 {
		t.Fatalf("dispatched %d time(s) while offline", n)
	}

	// Connectivity regained: the first attempt fails and backs off.
	env.monitor.Set(true)
	waitFor(t, func() bool {
		got, err := env.store.GetAction(ctx, a.ID)
		return err == nil && got.RetryCount == 1 && got.Status == schema.ActionPending
	})
	if n := env.remote.count(schema.ActionGenerateVideo); n != 1 {
		t.Fatalf("attempts after first failure = %d, want 1", n)
	}

	// The engine sleeps until the backoff gate, not the poll interval.
	blockCtx, blockCancel := context.WithTimeout(ctx, 5*time.Second)
	defer blockCancel()
	if err := env.clock.BlockUntilContext(blockCtx, 1); err != nil {
		t.Fatalf("engine never slept on the backoff timer: %v", err)
	}
	env.clock.Advance(policy.BaseDelay)
	waitFor(t, func() bool {
		got, err := env.store.GetAction(ctx, a.ID)
		return err == nil && got.Status == schema.ActionCompleted
	})
	if n := env.remote.count(schema.ActionGenerateVideo); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if got, _ := env.store.GetProject(ctx, p.ID); got.Status != schema.ProjectCompleted {
		t.Errorf("project status = %s, want completed", got.Status)
	}
}

func TestDiscardPending(t *testing.T) {
	events := make(chan db.Event, 4)
	events <- db.Event{Kind: db.EventActionUpdated}
	events <- db.Event{Kind: db.EventActionUpdated}

	if got := discardPending(events); got == nil || len(events) != 0 {
		t.Errorf("discardPending() left %d event(s)", len(events))
	}
	close(events)
	if got := discardPending(events); got != nil {
		t.Error("discardPending() on a closed channel should return nil")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, Config{Retention: time.Hour})
	env.remote.video = func(ctx context.Context, req remote.VideoRequest) (string, error) {
		return "https://cdn/v.mp4", nil
	}
	p := env.project(t, "Sweep")
	a := env.enqueue(t, &schema.GenerateVideoPayload{ProjectID: p.ID})
	env.drain(t)

	if n, _ := env.engine.Sweep(context.Background()); n != 0 {
		t.Errorf("Sweep() inside retention = %d, want 0", n)
	}
	env.clock.Advance(2 * time.Hour)
	if n, _ := env.engine.Sweep(context.Background()); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := env.store.GetAction(context.Background(), a.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("swept action still present: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
