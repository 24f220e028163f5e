package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/storyforge/internal/offline/schema"
)

func enqueueVideo(t *testing.T, db *DB, projectID string) *schema.QueuedAction {
	t.Helper()
	a, err := db.Enqueue(context.Background(), &schema.GenerateVideoPayload{ProjectID: projectID})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return a
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 10 * time.Second},
		{60, 10 * time.Second},
		{-1, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retryCount); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}

	if got := (RetryPolicy{BaseDelay: time.Second}).Backoff(200); got <= 0 {
		t.Errorf("uncapped Backoff(200) overflowed to %v", got)
	}
}

func TestEnqueue(t *testing.T) {
	db, _ := openTestDB(t)
	a := enqueueVideo(t, db, "p-1")

	if a.Status != schema.ActionPending || a.RetryCount != 0 {
		t.Errorf("new action = %s/%d, want pending/0", a.Status, a.RetryCount)
	}
	if a.Type != schema.ActionGenerateVideo || a.Seq == 0 {
		t.Errorf("new action = %+v", a)
	}

	got, err := db.GetAction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAction() failed: %v", err)
	}
	p, ok := got.Payload.(*schema.GenerateVideoPayload)
	if !ok || p.ProjectID != "p-1" {
		t.Errorf("stored payload = %#v", got.Payload)
	}

	if _, err := db.Enqueue(context.Background(), &schema.GenerateImagePayload{SceneID: "s"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Enqueue(invalid) = %v, want ErrInvalid", err)
	}
}

func TestClaimNext_FIFOAndSingleFlight(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueueVideo(t, db, "p").ID)
		clock.Advance(time.Millisecond)
	}

	for i, want := range ids {
		a, err := db.ClaimNext(ctx, clock.Now())
		if err != nil {
			t.Fatalf("ClaimNext() #%d failed: %v", i, err)
		}
		if a == nil || a.ID != want {
			t.Fatalf("ClaimNext() #%d = %v, want %s", i, a, want)
		}
		if a.Status != schema.ActionProcessing {
			t.Errorf("claimed status = %s, want processing", a.Status)
		}

		again, err := db.ClaimNext(ctx, clock.Now())
		if err != nil {
			t.Fatalf("ClaimNext() while in flight failed: %v", err)
		}
		if again != nil {
			t.Fatalf("ClaimNext() returned %s while %s is processing", again.ID, want)
		}

		if err := db.MarkCompleted(ctx, a.ID); err != nil {
			t.Fatalf("MarkCompleted() failed: %v", err)
		}
	}

	a, err := db.ClaimNext(ctx, clock.Now())
	if err != nil || a != nil {
		t.Errorf("ClaimNext() on drained queue = %v, %v", a, err)
	}
}

func TestClaimNext_Concurrent(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	want := enqueueVideo(t, db, "p")

	var mu sync.Mutex
	var claimed []string
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := db.ClaimNext(ctx, clock.Now())
			if err != nil {
				t.Errorf("ClaimNext() failed: %v", err)
				return
			}
			if a != nil {
				mu.Lock()
				claimed = append(claimed, a.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 1 || claimed[0] != want.ID {
		t.Errorf("concurrent claims = %v, want exactly [%s]", claimed, want.ID)
	}
}

func TestClaimNext_RespectsBackoff(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}

	first := enqueueVideo(t, db, "p")
	second := enqueueVideo(t, db, "p")

	a, _ := db.ClaimNext(ctx, clock.Now())
	if _, err := db.MarkFailed(ctx, a.ID, errors.New("timeout"), policy); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	due, ok, err := db.NextDue(ctx)
	if err != nil || !ok || !due.Equal(testEpoch.Add(2*time.Second)) {
		t.Fatalf("NextDue() = %v %v %v, want %v", due, ok, err, testEpoch.Add(2*time.Second))
	}

	// The head blocks the queue while backing off.
	if got, _ := db.ClaimNext(ctx, clock.Now()); got != nil {
		t.Fatalf("ClaimNext() during backoff = %s, want nil", got.ID)
	}

	clock.Advance(2 * time.Second)
	got, err := db.ClaimNext(ctx, clock.Now())
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("ClaimNext() after backoff = %v, %v; want %s", got, err, first.ID)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}

	if _, ok, _ := db.NextDue(ctx); ok {
		t.Error("NextDue() reported a due time while the head is processing")
	}

	_ = db.MarkCompleted(ctx, got.ID)
	got, _ = db.ClaimNext(ctx, clock.Now())
	if got == nil || got.ID != second.ID {
		t.Errorf("ClaimNext() = %v, want %s", got, second.ID)
	}
}

func TestMarkFailed_ExhaustsRetries(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	a := enqueueVideo(t, db, "p")

	var got *schema.QueuedAction
	var err error
	for i := 0; i < policy.MaxRetries+1; i++ {
		got, err = db.MarkFailed(ctx, a.ID, errors.New("503"), policy)
		if err != nil {
			t.Fatalf("MarkFailed() #%d failed: %v", i, err)
		}
		if i < policy.MaxRetries {
			if got.Status != schema.ActionPending || got.RetryCount != i+1 {
				t.Errorf("after %d failures: %s/%d, want pending/%d", i+1, got.Status, got.RetryCount, i+1)
			}
		}
	}
	if got.Status != schema.ActionFailed || got.RetryCount != policy.MaxRetries {
		t.Errorf("final = %s/%d, want failed/%d", got.Status, got.RetryCount, policy.MaxRetries)
	}
	if got.LastError == nil || *got.LastError != "503" {
		t.Errorf("LastError = %v, want 503", got.LastError)
	}

	_, err = db.MarkFailed(ctx, a.ID, errors.New("again"), policy)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed() on failed action = %v, want ErrInvalidTransition", err)
	}
	stored, _ := db.GetAction(ctx, a.ID)
	if stored.RetryCount != policy.MaxRetries || *stored.LastError != "503" {
		t.Errorf("failed action modified: %+v", stored)
	}
}

func TestMarkPermanentlyFailed(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	a := enqueueVideo(t, db, "p")
	next := enqueueVideo(t, db, "p")

	claimed, _ := db.ClaimNext(ctx, clock.Now())
	got, err := db.MarkPermanentlyFailed(ctx, claimed.ID, errors.New("400 bad request"))
	if err != nil {
		t.Fatalf("MarkPermanentlyFailed() failed: %v", err)
	}
	if got.Status != schema.ActionFailed || got.RetryCount != 0 {
		t.Errorf("got %s/%d, want failed/0", got.Status, got.RetryCount)
	}

	// A failed head no longer blocks the queue.
	n, _ := db.ClaimNext(ctx, clock.Now())
	if n == nil || n.ID != next.ID {
		t.Errorf("ClaimNext() = %v, want %s", n, next.ID)
	}

	if err := db.MarkCompleted(ctx, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkCompleted(failed) = %v, want ErrInvalidTransition", err)
	}
	if _, err := db.MarkPermanentlyFailed(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkPermanentlyFailed(missing) = %v, want ErrNotFound", err)
	}
}

func TestRequeue(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	a := enqueueVideo(t, db, "p")

	if _, err := db.Requeue(ctx, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Requeue(pending) = %v, want ErrInvalidTransition", err)
	}

	claimed, _ := db.ClaimNext(ctx, clock.Now())
	if _, err := db.MarkPermanentlyFailed(ctx, claimed.ID, errors.New("nope")); err != nil {
		t.Fatalf("MarkPermanentlyFailed() failed: %v", err)
	}
	clock.Advance(time.Hour)
	got, err := db.Requeue(ctx, a.ID)
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if got.Status != schema.ActionPending || got.RetryCount != 0 || !got.NextAttemptAt.Equal(clock.Now()) {
		t.Errorf("requeued = %+v", got)
	}
	if c, _ := db.ClaimNext(ctx, clock.Now()); c == nil || c.ID != a.ID {
		t.Errorf("requeued action not claimable")
	}
}

func TestRequeueInterrupted(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	a := enqueueVideo(t, db, "p")

	if _, err := db.ClaimNext(ctx, clock.Now()); err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}

	n, err := db.RequeueInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueInterrupted() = %d, %v; want 1", n, err)
	}
	got, _ := db.ClaimNext(ctx, clock.Now())
	if got == nil || got.ID != a.ID {
		t.Errorf("interrupted action not reclaimed: %v", got)
	}
}

func TestSweepCompleted(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	done := enqueueVideo(t, db, "p")
	c, _ := db.ClaimNext(ctx, clock.Now())
	_ = db.MarkCompleted(ctx, c.ID)

	failed := enqueueVideo(t, db, "p")
	c, _ = db.ClaimNext(ctx, clock.Now())
	_, _ = db.MarkPermanentlyFailed(ctx, c.ID, errors.New("bad"))

	pending := enqueueVideo(t, db, "p")

	clock.Advance(25 * time.Hour)
	recent := enqueueVideo(t, db, "p")
	c, _ = db.ClaimNext(ctx, clock.Now())
	if c.ID != pending.ID {
		t.Fatalf("claimed %s, want %s", c.ID, pending.ID)
	}
	_ = db.MarkCompleted(ctx, c.ID)

	n, err := db.SweepCompleted(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SweepCompleted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepCompleted() = %d, want 1", n)
	}

	if _, err := db.GetAction(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old completed action still present: %v", err)
	}
	for _, id := range []string{failed.ID, pending.ID, recent.ID} {
		if _, err := db.GetAction(ctx, id); err != nil {
			t.Errorf("GetAction(%s) = %v, want kept", id, err)
		}
	}
}

func TestListActionsAndStats(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	enqueueVideo(t, db, "p-1")
	if _, err := db.Enqueue(ctx, &schema.GenerateScenesPayload{ProjectID: "p-2", SourceText: "s"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	c, _ := db.ClaimNext(ctx, clock.Now())
	_ = db.MarkCompleted(ctx, c.ID)

	all, err := db.ListActions(ctx, ActionFilter{})
	if err != nil || len(all) != 2 || all[0].Seq > all[1].Seq {
		t.Fatalf("ListActions() = %d actions, %v", len(all), err)
	}
	byProject, _ := db.ListActions(ctx, ActionFilter{ProjectID: "p-2"})
	if len(byProject) != 1 || byProject[0].Type != schema.ActionGenerateScenes {
		t.Errorf("ListActions(project) = %+v", byProject)
	}
	pending, _ := db.ListActions(ctx, ActionFilter{Status: schema.ActionPending})
	if len(pending) != 1 {
		t.Errorf("ListActions(pending) = %d, want 1", len(pending))
	}

	stats, err := db.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats() failed: %v", err)
	}
	if stats.Pending != 1 || stats.Completed != 1 || stats.Total() != 2 {
		t.Errorf("QueueStats() = %+v", stats)
	}
}

func TestScanAction_UndecodablePayload(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	a := enqueueVideo(t, db, "p")

	if _, err := db.conn.Exec(`UPDATE action_queue SET payload = '{broken' WHERE id = ?`, a.ID); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}
	got, err := db.GetAction(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAction() failed: %v", err)
	}
	if got.Payload != nil {
		t.Errorf("Payload = %#v, want nil", got.Payload)
	}
	if string(got.RawPayload) != "{broken" {
		t.Errorf("RawPayload = %q", got.RawPayload)
	}
}
