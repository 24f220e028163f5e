package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/offline/schema"
)

// The action queue is strict FIFO by seq with at most one action in flight.
// The head is the oldest action that is still pending or processing; while it
// is processing, or backing off, nothing behind it can be claimed.

const actionColumns = `seq, id, type, payload, status, retry_count, last_error,
	next_attempt_at, created_at, updated_at`

// RetryPolicy bounds transient-failure retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the default policy: 3 retries, 2s base delay
// doubling up to 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Enqueue appends an action carrying payload to the queue.
func (db *DB) Enqueue(ctx context.Context, payload schema.ActionPayload) (*schema.QueuedAction, error) {
	var a *schema.QueuedAction
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		a, err = tx.Enqueue(payload)
		return err
	})
	return a, err
}

// Enqueue is DB.Enqueue inside tx. The action becomes visible only if tx
// commits.
func (tx *Tx) Enqueue(payload schema.ActionPayload) (*schema.QueuedAction, error) {
	data, err := schema.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	a := &schema.QueuedAction{
		ID:            uuid.NewString(),
		Type:          payload.Type(),
		Payload:       payload,
		RawPayload:    data,
		Status:        schema.ActionPending,
		NextAttemptAt: tx.now,
		CreatedAt:     tx.now,
		UpdatedAt:     tx.now,
	}

	query := `
	INSERT INTO action_queue (
		id, type, payload, project_id, status, retry_count,
		next_attempt_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	res, err := tx.tx.ExecContext(tx.ctx, query,
		a.ID,
		string(a.Type),
		string(data),
		sql.NullString{String: payload.TargetProject(), Valid: payload.TargetProject() != ""},
		string(a.Status),
		formatTime(a.NextAttemptAt),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return nil, storageErr("enqueue "+string(a.Type), err)
	}
	if a.Seq, err = res.LastInsertId(); err != nil {
		return nil, storageErr("enqueue "+string(a.Type), err)
	}

	tx.emit(EventActionEnqueued, payload.TargetProject(), "", a.ID)
	return a, nil
}

// ClaimNext moves the queue head to processing and returns it. It returns
// nil when the queue is empty, when the head is already processing, or when
// the head is backing off past now.
func (db *DB) ClaimNext(ctx context.Context, now time.Time) (*schema.QueuedAction, error) {
	var claimed *schema.QueuedAction
	err := db.Update(ctx, func(tx *Tx) error {
		head, err := tx.head()
		if err != nil || head == nil {
			return err
		}
		if head.Status != schema.ActionPending || head.NextAttemptAt.After(now) {
			return nil
		}

		res, err := tx.tx.ExecContext(tx.ctx,
			`UPDATE action_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(schema.ActionProcessing), formatTime(tx.now), head.ID, string(schema.ActionPending))
		if err != nil {
			return storageErr("claim action "+head.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("claim action "+head.ID, err)
		}
		if n == 0 {
			return nil
		}

		head.Status = schema.ActionProcessing
		head.UpdatedAt = tx.now
		claimed = head
		tx.emit(EventActionUpdated, head.ProjectID(), "", head.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// NextDue reports when the queue head becomes claimable. ok is false when
// the queue is empty or the head is in flight.
func (db *DB) NextDue(ctx context.Context) (due time.Time, ok bool, err error) {
	q, err := db.reader("read queue head")
	if err != nil {
		return time.Time{}, false, err
	}
	head, err := queueHead(ctx, q)
	if err != nil || head == nil || head.Status != schema.ActionPending {
		return time.Time{}, false, err
	}
	return head.NextAttemptAt, true, nil
}

func (tx *Tx) head() (*schema.QueuedAction, error) {
	return queueHead(tx.ctx, tx.tx)
}

func queueHead(ctx context.Context, q querier) (*schema.QueuedAction, error) {
	query := `SELECT ` + actionColumns + ` FROM action_queue
	WHERE status IN ('pending', 'processing')
	ORDER BY seq ASC LIMIT 1`
	a, err := scanAction(q.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("read queue head", err)
	}
	return a, nil
}

// MarkCompleted moves a processing action to completed.
func (db *DB) MarkCompleted(ctx context.Context, id string) error {
	return db.Update(ctx, func(tx *Tx) error {
		return tx.MarkCompleted(id)
	})
}

// MarkCompleted is DB.MarkCompleted inside tx, so a result can be applied
// and its action completed atomically.
func (tx *Tx) MarkCompleted(id string) error {
	a, err := getAction(tx.ctx, tx.tx, id)
	if err != nil {
		return err
	}
	if a.Status != schema.ActionProcessing {
		return invalidTransition(id, a.Status, schema.ActionCompleted)
	}
	return tx.setActionState(a, schema.ActionCompleted, a.RetryCount, a.LastError, a.NextAttemptAt)
}

// MarkFailed records a transient failure. While the retry budget lasts the
// action goes back to pending with its retry count incremented and a backoff
// gate; once exhausted it fails terminally with RetryCount = MaxRetries.
func (db *DB) MarkFailed(ctx context.Context, id string, cause error, policy RetryPolicy) (*schema.QueuedAction, error) {
	var a *schema.QueuedAction
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		a, err = tx.MarkFailed(id, cause, policy)
		return err
	})
	return a, err
}

// MarkFailed is DB.MarkFailed inside tx.
func (tx *Tx) MarkFailed(id string, cause error, policy RetryPolicy) (*schema.QueuedAction, error) {
	a, err := getAction(tx.ctx, tx.tx, id)
	if err != nil {
		return nil, err
	}
	msg := errorText(cause)

	switch a.Status {
	case schema.ActionPending, schema.ActionProcessing:
	default:
		return nil, invalidTransition(id, a.Status, schema.ActionFailed)
	}

	if a.RetryCount < policy.MaxRetries {
		next := tx.now.Add(policy.Backoff(a.RetryCount))
		if err := tx.setActionState(a, schema.ActionPending, a.RetryCount+1, msg, next); err != nil {
			return nil, err
		}
		return a, nil
	}

	rc := policy.MaxRetries
	if rc < 0 {
		rc = 0
	}
	if err := tx.setActionState(a, schema.ActionFailed, rc, msg, a.NextAttemptAt); err != nil {
		return nil, err
	}
	return a, nil
}

// MarkPermanentlyFailed fails an action immediately, regardless of its
// retry count.
func (db *DB) MarkPermanentlyFailed(ctx context.Context, id string, cause error) (*schema.QueuedAction, error) {
	var a *schema.QueuedAction
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		a, err = tx.MarkPermanentlyFailed(id, cause)
		return err
	})
	return a, err
}

// MarkPermanentlyFailed is DB.MarkPermanentlyFailed inside tx.
func (tx *Tx) MarkPermanentlyFailed(id string, cause error) (*schema.QueuedAction, error) {
	a, err := getAction(tx.ctx, tx.tx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case schema.ActionPending, schema.ActionProcessing:
	default:
		return nil, invalidTransition(id, a.Status, schema.ActionFailed)
	}
	if err := tx.setActionState(a, schema.ActionFailed, a.RetryCount, errorText(cause), a.NextAttemptAt); err != nil {
		return nil, err
	}
	return a, nil
}

// Requeue makes a failed action pending again with a fresh retry budget.
// It is the only way out of the failed state.
func (db *DB) Requeue(ctx context.Context, id string) (*schema.QueuedAction, error) {
	var a *schema.QueuedAction
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		a, err = tx.Requeue(id)
		return err
	})
	return a, err
}

// Requeue is DB.Requeue inside tx.
func (tx *Tx) Requeue(id string) (*schema.QueuedAction, error) {
	a, err := getAction(tx.ctx, tx.tx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != schema.ActionFailed {
		return nil, invalidTransition(id, a.Status, schema.ActionPending)
	}
	if err := tx.setActionState(a, schema.ActionPending, 0, a.LastError, tx.now); err != nil {
		return nil, err
	}
	return a, nil
}

// RequeueInterrupted returns every processing action to pending. Called once
// when the engine starts, before any claim, to recover from a crash in the
// middle of a dispatch. The retry count is left as is.
func (db *DB) RequeueInterrupted(ctx context.Context) (int, error) {
	var n int64
	err := db.Update(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(tx.ctx,
			`SELECT id, project_id FROM action_queue WHERE status = ?`, string(schema.ActionProcessing))
		if err != nil {
			return storageErr("find interrupted actions", err)
		}
		type ref struct{ id, project string }
		var refs []ref
		for rows.Next() {
			var r ref
			var project sql.NullString
			if err := rows.Scan(&r.id, &project); err != nil {
				rows.Close()
				return storageErr("find interrupted actions", err)
			}
			r.project = project.String
			refs = append(refs, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("find interrupted actions", err)
		}

		res, err := tx.tx.ExecContext(tx.ctx,
			`UPDATE action_queue SET status = ?, updated_at = ? WHERE status = ?`,
			string(schema.ActionPending), formatTime(tx.now), string(schema.ActionProcessing))
		if err != nil {
			return storageErr("requeue interrupted actions", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return storageErr("requeue interrupted actions", err)
		}
		for _, r := range refs {
			tx.emit(EventActionUpdated, r.project, "", r.id)
		}
		return nil
	})
	return int(n), err
}

// SweepCompleted deletes completed actions last updated before olderThan.
// Failed actions are kept for diagnostics.
func (db *DB) SweepCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	var n int64
	err := db.Update(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(tx.ctx,
			`DELETE FROM action_queue WHERE status = ? AND updated_at < ?`,
			string(schema.ActionCompleted), formatTime(olderThan))
		if err != nil {
			return storageErr("sweep completed actions", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return storageErr("sweep completed actions", err)
		}
		if n > 0 {
			tx.emit(EventActionsSwept, "", "", "")
		}
		return nil
	})
	return int(n), err
}

// GetAction returns the action with the given id or ErrNotFound.
func (db *DB) GetAction(ctx context.Context, id string) (*schema.QueuedAction, error) {
	q, err := db.reader("get action")
	if err != nil {
		return nil, err
	}
	return getAction(ctx, q, id)
}

// ActionFilter configures ListActions.
type ActionFilter struct {
	// Status filters by action status (empty = all statuses)
	Status schema.ActionStatus
	// Type filters by action type (empty = all types)
	Type schema.ActionType
	// ProjectID filters by target project (empty = all projects)
	ProjectID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListActions returns actions in queue order.
func (db *DB) ListActions(ctx context.Context, filter ActionFilter) ([]*schema.QueuedAction, error) {
	q, err := db.reader("list actions")
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := `SELECT ` + actionColumns + ` FROM action_queue`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list actions", err)
	}
	defer rows.Close()

	var actions []*schema.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, storageErr("list actions", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list actions", err)
	}
	return actions, nil
}

// QueueStats counts actions by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of actions in the queue table.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// QueueStats returns per-status action counts.
func (db *DB) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	q, err := db.reader("count actions")
	if err != nil {
		return stats, err
	}

	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM action_queue GROUP BY status`)
	if err != nil {
		return stats, storageErr("count actions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, storageErr("count actions", err)
		}
		switch schema.ActionStatus(status) {
		case schema.ActionPending:
			stats.Pending = n
		case schema.ActionProcessing:
			stats.Processing = n
		case schema.ActionCompleted:
			stats.Completed = n
		case schema.ActionFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, storageErr("count actions", err)
	}
	return stats, nil
}

// setActionState writes a status transition and updates a in place.
func (tx *Tx) setActionState(a *schema.QueuedAction, status schema.ActionStatus, retryCount int, lastError *string, nextAttempt time.Time) error {
	query := `
	UPDATE action_queue SET
		status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
	WHERE id = ?
	`
	_, err := tx.tx.ExecContext(tx.ctx, query,
		string(status),
		retryCount,
		nullString(lastError),
		formatTime(nextAttempt),
		formatTime(tx.now),
		a.ID,
	)
	if err != nil {
		return storageErr(fmt.Sprintf("mark action %s %s", a.ID, status), err)
	}

	a.Status = status
	a.RetryCount = retryCount
	a.LastError = lastError
	a.NextAttemptAt = nextAttempt
	a.UpdatedAt = tx.now

	tx.emit(EventActionUpdated, a.ProjectID(), "", a.ID)
	return nil
}

// GetAction reads an action inside tx.
func (tx *Tx) GetAction(id string) (*schema.QueuedAction, error) {
	return getAction(tx.ctx, tx.tx, id)
}

func getAction(ctx context.Context, q querier, id string) (*schema.QueuedAction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_queue WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("action", id)
	}
	if err != nil {
		return nil, storageErr("get action "+id, err)
	}
	return a, nil
}

// scanAction decodes the payload best-effort: a row whose payload no longer
// decodes is still returned, with a nil Payload, so the engine can fail it.
func scanAction(s scanner) (*schema.QueuedAction, error) {
	var a schema.QueuedAction
	var typ, payload, status string
	var lastError sql.NullString
	var nextAttempt, createdAt, updatedAt string

	err := s.Scan(
		&a.Seq,
		&a.ID,
		&typ,
		&payload,
		&status,
		&a.RetryCount,
		&lastError,
		&nextAttempt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Type = schema.ActionType(typ)
	a.Status = schema.ActionStatus(status)
	a.RawPayload = []byte(payload)
	a.LastError = stringPtr(lastError)
	if p, err := schema.DecodePayload(a.Type, a.RawPayload); err == nil {
		a.Payload = p
	}
	if a.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
