// Package runapi exposes pipeline cycles over HTTP: trigger one, inspect
// one, list recent ones.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aftershock/internal/authmw"
	"github.com/linnemanlabs/aftershock/internal/pipeline"
)

// RunService defines the pipeline operations runapi needs.
type RunService interface {
	Start(ctx context.Context, trigger string) (pipeline.Run, error)
	Get(id string) (pipeline.Run, bool)
	Runs() []pipeline.Run
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
	token  string
}

// New creates a new API handler. Every route requires token as a bearer
// token.
func New(logger log.Logger, svc RunService, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	if token == "" {
		panic(xerrors.New("api token is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		token:  token,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.BearerToken(a.token, authmw.Options{
			Realm: "aftershock",
			OnReject: func(req *http.Request, reason string) {
				a.logger.Warn(req.Context(), "api request rejected", "reason", reason, "path", req.URL.Path)
			},
		}))
		r.Post("/runs", a.handleStartRun)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
	})
}

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.svc.Start(r.Context(), pipeline.TriggerAPI)
	if errors.Is(err, pipeline.ErrCycleInProgress) {
		writeError(w, http.StatusConflict, "cycle already in progress")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to start cycle")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("run.id", run.ID))
	a.logger.Info(r.Context(), "cycle triggered via api", "run_id", run.ID)

	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     run.ID,
		"status": run.Status,
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("run.id", id))

	run, ok := a.svc.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.svc.Runs(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
