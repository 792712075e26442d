package events

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/autoform/client/internal/service/events"
	"github.com/zhouzirui/autoform/client/internal/voice/session"
	"github.com/zhouzirui/autoform/client/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

// Subscriber hands out event feeds.
type Subscriber interface {
	Subscribe(buffer int) (string, <-chan events.Event, func())
}

// Sessions exposes the current session for the opening snapshot.
type Sessions interface {
	Snapshot() session.Snapshot
}

// Handler streams session events as Server-Sent Events.
type Handler struct {
	hub      Subscriber
	sessions Sessions
	logger   *log.Logger
}

func New(hub Subscriber, sessions Sessions, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{hub: hub, sessions: sessions, logger: logger.WithPrefix("sse")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, feed, cancel := h.hub.Subscribe(64)
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	h.logger.Info("subscriber connected", "id", id)

	if err := utils.SendSSEEvent(w, flusher, "snapshot", h.sessions.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("subscriber disconnected", "id", id)
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(e.Type), e); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}
