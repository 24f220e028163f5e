package dashboard

import (
	"context"
	"log"
	"os"

	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/db"
)

// ChangeData describes an entity change.
type ChangeData struct {
	Kind      db.EventKind `json:"kind"`
	ProjectID string       `json:"project_id,omitempty"`
	SceneID   string       `json:"scene_id,omitempty"`
}

// QueueData describes a queue change.
type QueueData struct {
	Kind      db.EventKind `json:"kind"`
	ActionID  string       `json:"action_id,omitempty"`
	ProjectID string       `json:"project_id,omitempty"`
}

// NotificationData is a user-facing notification.
type NotificationData struct {
	Kind    notify.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Handler turns store events and notifications into dashboard messages.
// It is a notify.Notifier, so it can sit in the daemon's notification
// fan-out.
type Handler struct {
	server *Server
	store  *db.DB
	logger *log.Logger
}

// NewHandler creates a handler feeding server from store.
func NewHandler(server *Server, store *db.DB, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, store: store, logger: logger}
}

// Run forwards store events until ctx is cancelled or the store closes.
func (h *Handler) Run(ctx context.Context) {
	events, cancel := h.store.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.OnEvent(ctx, ev)
		}
	}
}

// OnEvent broadcasts one store event. Queue events are followed by fresh
// queue statistics.
func (h *Handler) OnEvent(ctx context.Context, ev db.Event) {
	switch ev.Kind {
	case db.EventActionEnqueued, db.EventActionUpdated, db.EventActionsSwept:
		h.send(MessageTypeQueue, QueueData{Kind: ev.Kind, ActionID: ev.ActionID, ProjectID: ev.ProjectID})
		h.broadcastStats(ctx)
	default:
		h.send(MessageTypeChange, ChangeData{Kind: ev.Kind, ProjectID: ev.ProjectID, SceneID: ev.SceneID})
	}
}

// Notify broadcasts a notification.
func (h *Handler) Notify(kind notify.Kind, message string) {
	h.send(MessageTypeNotification, NotificationData{Kind: kind, Message: message})
}

func (h *Handler) broadcastStats(ctx context.Context) {
	stats, err := h.store.QueueStats(ctx)
	if err != nil {
		h.logger.Printf("Failed to read queue stats: %v", err)
		return
	}
	h.send(MessageTypeStats, stats)
}

func (h *Handler) send(typ MessageType, data any) {
	if err := h.server.BroadcastData(typ, data); err != nil {
		h.logger.Printf("%v", err)
	}
}
