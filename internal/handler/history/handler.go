package history

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/autoform/client/internal/model/chat"
	historysvc "github.com/zhouzirui/autoform/client/internal/service/history"
	"github.com/zhouzirui/autoform/client/internal/voice/session"
	"github.com/zhouzirui/autoform/client/pkg/utils"
)

// Log reads conversation messages.
type Log interface {
	Transcript(conversationID string) ([]chat.Message, error)
}

// Sessions exposes the active conversation.
type Sessions interface {
	Snapshot() session.Snapshot
}

type Handler struct {
	log      Log
	sessions Sessions
}

func New(log Log, sessions Sessions) *Handler {
	return &Handler{log: log, sessions: sessions}
}

// RegisterRoutes expects r to be mounted at the session prefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/history", h.handleHistory)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversation_id")
	if id == "" {
		id = h.sessions.Snapshot().ConversationID
	}

	messages := []chat.Message{}
	if id != "" {
		found, err := h.log.Transcript(id)
		switch {
		case errors.Is(err, historysvc.ErrConversationNotFound):
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		case err != nil:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		messages = found
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"messages":       messages,
	})
}
