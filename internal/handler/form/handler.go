package form

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/autoform/client/internal/backend"
	"github.com/zhouzirui/autoform/client/internal/model/form"
	"github.com/zhouzirui/autoform/client/pkg/utils"
)

// Store is where forms live.
type Store interface {
	CurrentForm(ctx context.Context) (form.Form, error)
	SaveForm(ctx context.Context, f form.Form) (backend.SaveFormResult, error)
}

// Handler serves the form builder endpoints.
type Handler struct {
	store Store
}

func New(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/form", h.handleGetForm)
	r.Post("/form", h.handleSaveForm)
}

type fieldView struct {
	form.Field
	InputKind string `json:"inputKind"`
}

type formView struct {
	Title  string      `json:"title"`
	Fields []fieldView `json:"fields"`
}

func present(f form.Form) formView {
	view := formView{Title: f.Title, Fields: make([]fieldView, 0, len(f.Fields))}
	for _, field := range f.Fields {
		view.Fields = append(view.Fields, fieldView{Field: field, InputKind: field.Type.InputKind()})
	}
	return view
}

func (h *Handler) handleGetForm(w http.ResponseWriter, r *http.Request) {
	f, err := h.store.CurrentForm(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, present(f))
}

func (h *Handler) handleSaveForm(w http.ResponseWriter, r *http.Request) {
	var f form.Form
	if err := utils.DecodeJSON(w, r, &f); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := f.Validate(); err != nil {
		utils.RespondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	res, err := h.store.SaveForm(context.WithoutCancel(r.Context()), f)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			utils.RespondError(w, http.StatusUnprocessableEntity, apiErr.Message)
			return
		}
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, res)
}
