package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/model"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

const maxBodySize = 1 << 20

// api exposes the Repository to local callers.
type api struct {
	repo   *synckit.Repository
	logger *logging.Logger
}

type writeRequest struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type resolveRequest struct {
	Strategy synckit.ResolutionStrategy `json:"strategy"`
	Payload  json.RawMessage            `json:"payload,omitempty"`
	Reasons  []string                   `json:"reasons,omitempty"`
}

type statusResponse struct {
	Online   bool `json:"online"`
	Pending  int  `json:"pending"`
	InFlight int  `json:"in_flight"`
	Failed   int  `json:"failed"`
	Settled  int  `json:"settled"`
	Idle     bool `json:"idle"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func newAPI(repo *synckit.Repository, logger *slog.Logger) *api {
	return &api{repo: repo, logger: &logging.Logger{Logger: logger}}
}

func (a *api) mount(r chi.Router) {
	r.Get("/status", a.status)
	r.Put("/log/level", a.setLogLevel)
	r.Post("/sync", a.sync)
	r.Get("/actions/failed", a.failedActions)
	r.Post("/actions/{actionID}/retry", a.retryAction)
	r.Delete("/actions/{actionID}", a.discardAction)
	r.Get("/locations/{id}/reviews", a.reviews)
	r.Put("/locations/{id}/reviews", a.putReview)
	r.Route("/entities/{type}", func(r chi.Router) {
		r.Get("/", a.list)
		r.Post("/", a.create)
		r.Post("/refresh", a.refresh)
		r.Get("/{id}", a.read)
		r.Put("/{id}", a.update)
		r.Delete("/{id}", a.remove)
		r.Post("/{id}/resolve", a.resolve)
	})
}

func entityType(r *http.Request) synckit.EntityType {
	return synckit.EntityType(chi.URLParam(r, "type"))
}

func (a *api) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	b, err := codec.Marshal(v)
	if err != nil {
		a.logger.Error("Failed to encode response", "error", err)
		return
	}
	_, _ = w.Write(b)
}

// fail maps an engine error onto an HTTP status.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch syncErrors.KindOf(err) {
	case syncErrors.KindValidation:
		status = http.StatusBadRequest
	case syncErrors.KindNotFound:
		status = http.StatusNotFound
	case syncErrors.KindConflict:
		status = http.StatusConflict
	case syncErrors.KindRetryableRemote:
		status = http.StatusServiceUnavailable
	case syncErrors.KindPermanentRemote:
		status = http.StatusBadGateway
	case syncErrors.KindClosed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		ctx := logging.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		a.logger.WithContext(ctx).LogError(ctx, err, "Request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))
	}
	a.respond(w, status, errorResponse{Error: err.Error(), Kind: string(syncErrors.KindOf(err))})
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpLoad, err)
	}
	if len(body) > maxBodySize {
		return syncErrors.NewValidationError(syncErrors.OpLoad, errors.New("request body too large"))
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpLoad, err)
	}
	return nil
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	s, err := a.repo.Status(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, statusResponse{
		Online: s.Online, Pending: s.Pending, InFlight: s.InFlight,
		Failed: s.Failed, Settled: s.Settled, Idle: s.Idle(),
	})
}

type levelRequest struct {
	Level string `json:"level"`
}

func (a *api) setLogLevel(w http.ResponseWriter, r *http.Request) {
	var req levelRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if !logging.SetLevel(req.Level) {
		a.fail(w, r, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("unknown log level %q", req.Level)))
		return
	}
	a.logger.Info("Log level changed", "level", req.Level)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) sync(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.Coordinator().Drain(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	a.status(w, r)
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	entities, err := synckit.Collect(a.repo.Query(r.Context(), entityType(r), filter))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if entities == nil {
		entities = []*synckit.Entity{}
	}
	a.respond(w, http.StatusOK, map[string]any{"entities": entities})
}

type reviewsResponse struct {
	Reviews []model.Review    `json:"reviews"`
	Stats   model.ReviewStats `json:"stats"`
}

func (a *api) reviews(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "id")
	reviews, err := model.ReviewsOf(r.Context(), a.repo, locationID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := model.StatsOf(r.Context(), a.repo, locationID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if reviews == nil {
		reviews = []model.Review{}
	}
	a.respond(w, http.StatusOK, reviewsResponse{Reviews: reviews, Stats: stats})
}

func (a *api) putReview(w http.ResponseWriter, r *http.Request) {
	var review model.Review
	if err := decode(r, &review); err != nil {
		a.fail(w, r, err)
		return
	}
	review.LocationID = chi.URLParam(r, "id")
	e, err := model.PutReview(r.Context(), a.repo, review)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, e)
}

func (a *api) read(w http.ResponseWriter, r *http.Request) {
	e, err := a.repo.Read(r.Context(), entityType(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if e == nil {
		a.respond(w, http.StatusNotFound, errorResponse{Error: "entity not found", Kind: string(syncErrors.KindNotFound)})
		return
	}
	a.respond(w, http.StatusOK, e)
}

func (a *api) write(w http.ResponseWriter, r *http.Request, m synckit.Mutation, status int) {
	e, err := a.repo.Write(r.Context(), entityType(r), m)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.respond(w, status, e)
}

func (a *api) create(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	a.write(w, r, synckit.Mutation{Kind: synckit.ActionCreate, ID: req.ID, Payload: req.Payload}, http.StatusCreated)
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	a.write(w, r, synckit.Mutation{Kind: synckit.ActionUpdate, ID: chi.URLParam(r, "id"), Payload: req.Payload}, http.StatusOK)
}

func (a *api) remove(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, synckit.Mutation{Kind: synckit.ActionDelete, ID: chi.URLParam(r, "id")}, http.StatusAccepted)
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	e, err := a.repo.ResolveConflict(r.Context(), entityType(r), chi.URLParam(r, "id"), synckit.Resolution{
		Strategy: req.Strategy, Payload: req.Payload, Reasons: req.Reasons,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.respond(w, http.StatusOK, e)
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := synckit.RemoteFilter{Category: q.Get("category"), LocationID: q.Get("location_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.fail(w, r, syncErrors.NewValidationError(syncErrors.OpPull, errors.New("limit must be a non-negative integer")))
			return
		}
		filter.Limit = n
	}
	n, err := a.repo.Refresh(r.Context(), entityType(r), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]int{"changed": n})
}

func (a *api) failedActions(w http.ResponseWriter, r *http.Request) {
	actions, err := a.repo.FailedActions(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if actions == nil {
		actions = []*synckit.PendingAction{}
	}
	a.respond(w, http.StatusOK, map[string]any{"actions": actions})
}

func actionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "actionID"), 10, 64)
	if err != nil {
		return 0, syncErrors.NewValidationError(syncErrors.OpTransition, errors.New("action id must be an integer"))
	}
	return id, nil
}

func (a *api) retryAction(w http.ResponseWriter, r *http.Request) {
	id, err := actionID(r)
	if err == nil {
		err = a.repo.RetryAction(r.Context(), id)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) discardAction(w http.ResponseWriter, r *http.Request) {
	id, err := actionID(r)
	if err == nil {
		err = a.repo.DiscardAction(r.Context(), id)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseFilter(r *http.Request) (synckit.Filter, error) {
	q := r.URL.Query()
	f := synckit.Filter{
		Category:   q.Get("category"),
		LocationID: q.Get("location_id"),
		SyncState:  synckit.SyncState(q.Get("sync_state")),
	}
	invalid := func(msg string) error {
		return syncErrors.NewValidationError(syncErrors.OpQuery, errors.New(msg))
	}
	if v := q.Get("min_rating"); v != "" {
		rating, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, invalid("min_rating must be a number")
		}
		f.MinRating = rating
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, invalid("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	lat, lng, radius := q.Get("latitude"), q.Get("longitude"), q.Get("radius")
	if lat != "" || lng != "" || radius != "" {
		var near synckit.GeoRadius
		var errLat, errLng, errRadius error
		near.Lat, errLat = strconv.ParseFloat(lat, 64)
		near.Lng, errLng = strconv.ParseFloat(lng, 64)
		near.RadiusKm, errRadius = strconv.ParseFloat(radius, 64)
		if errLat != nil || errLng != nil || errRadius != nil {
			return f, invalid("latitude, longitude and radius must be given together as numbers")
		}
		f.Near = &near
	}
	return f, nil
}
