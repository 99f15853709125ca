package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rustdash/relay-plane/internal/apierr"
	"github.com/rustdash/relay-plane/internal/auth"
	"github.com/rustdash/relay-plane/internal/config"
	"github.com/rustdash/relay-plane/internal/hub"
	"github.com/rustdash/relay-plane/internal/link"
	"github.com/rustdash/relay-plane/internal/logging"
	"github.com/rustdash/relay-plane/internal/metrics"
	"github.com/rustdash/relay-plane/internal/model"
	"github.com/rustdash/relay-plane/internal/store"
)

type Store interface {
	GetServer(ctx context.Context, userID, serverID string) (*model.Server, error)
	OpenRelaySession(ctx context.Context, in store.OpenRelaySessionInput) (string, error)
	CloseRelaySession(ctx context.Context, id string, reason model.CloseReason) error
	ListRelaySessions(ctx context.Context, userID string, limit int) ([]model.RelaySession, error)
}

type Commands interface {
	Execute(ctx context.Context, callerID string, req model.CommandRequest) (model.CommandResult, error)
	Forget(userID string)
}

type Monitor interface {
	Track(userID, serverID string)
	TrackStream(userID, streamID, serverID string)
	Bind(userID, serverID string)
	Touch(userID string)
	ForgetStream(userID, streamID string) bool
	Phase(userID string) (model.Phase, bool)
}

type Deps struct {
	Store    Store
	Hub      *hub.Hub
	Commands Commands
	Monitor  Monitor
	Link     link.Adapter
}

type Server struct {
	cfg      config.Config
	store    Store
	hub      *hub.Hub
	commands Commands
	monitor  Monitor
	link     link.Adapter
	log      zerolog.Logger
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		hub:      deps.Hub,
		commands: deps.Commands,
		monitor:  deps.Monitor,
		link:     deps.Link,
		log:      logging.Component("api"),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// No Timeout middleware here; /events responses stay open indefinitely.

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "streams": s.hub.Count()})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.With(
		httprate.LimitByIP(cfg.SubscribeLimitPerMinute, time.Minute),
		auth.QueryMiddleware(cfg.JWTSecret),
	).Get("/events/{userId}", s.handleEvents)

	r.Group(func(authed chi.Router) {
		authed.Use(auth.Middleware(cfg.JWTSecret))
		authed.Delete("/events/{userId}", s.handleUnsubscribe)
		authed.Post("/command", s.handleCommand)

		authed.Route("/api/v1", func(v1 chi.Router) {
			v1.Post("/servers/{serverId}/connect", s.handleServerConnect)
			v1.Post("/servers/{serverId}/disconnect", s.handleServerDisconnect)
			v1.Post("/activity", s.handleActivity)
			v1.Get("/relay/status", s.handleRelayStatus)
			v1.Get("/relay/sessions", s.handleRelaySessions)
		})
	})

	return r
}

func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apierr.Error
	if !errors.As(err, &e) {
		e = apierr.New(apierr.KindInternal, "internal error")
	}
	status := e.Status
	if status == 0 {
		status = apierr.StatusFor(e.Kind)
	}
	if !e.RetryAfter.IsZero() {
		secs := int(math.Ceil(time.Until(e.RetryAfter).Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, e.Envelope(middleware.GetReqID(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = gojson.NewEncoder(w).Encode(v)
}
