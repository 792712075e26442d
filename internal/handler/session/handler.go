package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/autoform/client/internal/backend"
	"github.com/zhouzirui/autoform/client/internal/model/form"
	"github.com/zhouzirui/autoform/client/internal/voice/conversation"
	"github.com/zhouzirui/autoform/client/internal/voice/listening"
	"github.com/zhouzirui/autoform/client/internal/voice/session"
	"github.com/zhouzirui/autoform/client/pkg/utils"
)

// Session is the orchestrator surface exposed over HTTP.
type Session interface {
	StartAgent(ctx context.Context) (string, error)
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) (conversation.Turn, error)
	Say(ctx context.Context, text string) (conversation.Turn, error)
	Submit(ctx context.Context, overrides map[string]any) (form.Receipt, error)
	Reset()
	Snapshot() session.Snapshot
}

// Handler drives the voice session. Operations run to completion even if
// the caller goes away; nothing cancels an in-flight backend call.
type Handler struct {
	session Session
	logger  *log.Logger
}

func New(s Session, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{session: s, logger: logger.WithPrefix("session-api")}
}

// RegisterRoutes expects r to be mounted at the session prefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleSnapshot)
	r.Post("/agent", h.handleStartAgent)
	r.Post("/listen", h.handleStartListening)
	r.Post("/listen/stop", h.handleStopListening)
	r.Post("/say", h.handleSay)
	r.Post("/reset", h.handleReset)
	r.Post("/submit", h.handleSubmit)
}

type turnResponse struct {
	Turn    *conversation.Turn `json:"turn,omitempty"`
	Session session.Snapshot   `json:"session"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	greeting, err := h.session.StartAgent(context.WithoutCancel(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"greeting": greeting,
		"session":  h.session.Snapshot(),
	})
}

func (h *Handler) handleStartListening(w http.ResponseWriter, r *http.Request) {
	if err := h.session.StartListening(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) handleStopListening(w http.ResponseWriter, r *http.Request) {
	turn, err := h.session.StopListening(context.WithoutCancel(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondTurn(w, turn)
}

func (h *Handler) handleSay(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	turn, err := h.session.Say(context.WithoutCancel(r.Context()), payload.Text)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondTurn(w, turn)
}

func (h *Handler) handleReset(w http.ResponseWriter, _ *http.Request) {
	h.session.Reset()
	utils.RespondJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Data map[string]any `json:"data"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	receipt, err := h.session.Submit(context.WithoutCancel(r.Context()), payload.Data)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) respondTurn(w http.ResponseWriter, turn conversation.Turn) {
	resp := turnResponse{Session: h.session.Snapshot()}
	if turn.UserText != "" {
		resp.Turn = &turn
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("session operation failed", "status", status, "err", err)
	}
	utils.RespondError(w, status, err.Error())
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *backend.APIError
	var transportErr *backend.TransportError
	switch {
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, listening.ErrAlreadyListening),
		errors.Is(err, conversation.ErrTurnInFlight),
		errors.Is(err, conversation.ErrConversationComplete),
		errors.Is(err, conversation.ErrNoActiveConversation):
		return http.StatusConflict
	case errors.Is(err, form.ErrMissingRequired),
		errors.Is(err, conversation.ErrEmptyUtterance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, listening.ErrUnsupportedCapability):
		return http.StatusNotImplemented
	case errors.Is(err, conversation.ErrAgentStart),
		errors.Is(err, conversation.ErrTurnProcessing),
		errors.Is(err, listening.ErrRecognitionFailure),
		errors.As(err, &apiErr),
		errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
