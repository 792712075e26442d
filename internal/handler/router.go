package handler

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/autoform/client/internal/handler/audio"
	"github.com/zhouzirui/autoform/client/internal/handler/events"
	"github.com/zhouzirui/autoform/client/internal/handler/form"
	"github.com/zhouzirui/autoform/client/internal/handler/history"
	"github.com/zhouzirui/autoform/client/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/autoform/client/internal/middleware"
	"github.com/zhouzirui/autoform/client/pkg/utils"
)

// Deps are the services behind the control surface. Audio may be nil when
// microphone audio does not come from a browser.
type Deps struct {
	Forms   form.Store
	Session interface {
		session.Session
		history.Sessions
	}
	History history.Log
	Events  events.Subscriber
	Audio   audio.Sink
	Logger  *log.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		form.New(d.Forms).RegisterRoutes(api)

		sessionHandler := session.New(d.Session, logger)
		historyHandler := history.New(d.History, d.Session)
		api.Route("/session", func(s chi.Router) {
			sessionHandler.RegisterRoutes(s)
			historyHandler.RegisterRoutes(s)
		})

		events.New(d.Events, d.Session, logger).RegisterRoutes(api)

		if d.Audio != nil {
			audio.New(d.Audio, logger).RegisterRoutes(api)
		}
	})

	return r
}
