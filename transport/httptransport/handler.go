package httptransport

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/c0deZ3R0/locsync/cursor"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// replayCacheSize bounds the remembered idempotency keys.
const replayCacheSize = 10000

type tableKey struct {
	typ string
	id  string
}

type replay struct {
	status int
	doc    *EntityDocument
}

// Handler is an in-memory reference implementation of the remote service.
// Every entity carries a server version that starts at 1 and grows by one per
// accepted mutation. Mutations with an If-Match header that does not name the
// current version are rejected with 409 and the current entity. Repeated
// Idempotency-Key values replay the first response.
type Handler struct {
	mu       sync.Mutex
	entities map[tableKey]*EntityDocument
	replays  *lru.Cache

	options *ServerOptions
	logger  *slog.Logger
	router  chi.Router
}

// NewHandler creates the reference server.
func NewHandler(opts ...ServerOption) *Handler {
	options := applyServerOptions(opts...)
	logger := options.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component("remote-devserver")).Logger
	}
	replays, _ := lru.New(replayCacheSize)
	h := &Handler{
		entities: make(map[tableKey]*EntityDocument),
		replays:  replays,
		options:  options,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if options.RequestTimeout > 0 {
		r.Use(middleware.Timeout(options.RequestTimeout))
	}
	r.Use(h.authenticate)
	r.Route("/{collection}", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Seed stores documents as they are, replacing existing ones.
func (h *Handler) Seed(docs ...EntityDocument) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, doc := range docs {
		d := doc
		if d.Version == 0 {
			d.Version = 1
		}
		if d.UpdatedAt.IsZero() {
			d.UpdatedAt = h.options.Now().UTC()
		}
		h.entities[tableKey{d.Type, d.ID}] = &d
	}
}

// Lookup returns the stored document, including tombstones.
func (h *Handler) Lookup(entityType, id string) (EntityDocument, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.entities[tableKey{entityType, id}]
	if !ok {
		return EntityDocument{}, false
	}
	return *doc, true
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.options.Tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok {
			for _, accepted := range h.options.Tokens {
				if subtle.ConstantTimeCompare([]byte(token), []byte(accepted)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="locsync"`)
		respondWithError(w, r, http.StatusUnauthorized, "invalid or missing bearer token", h.options)
	})
}

// entityType maps the "{type}s" collection segment back to the entity type.
func entityType(r *http.Request) (string, bool) {
	collection := chi.URLParam(r, "collection")
	if len(collection) < 2 || !strings.HasSuffix(collection, "s") {
		return "", false
	}
	return strings.TrimSuffix(collection, "s"), true
}

// ifMatch parses the If-Match header. Absent headers match any version.
func ifMatch(r *http.Request) (uint64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderIfMatch))
	if raw == "" || raw == "*" {
		return 0, false, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (h *Handler) readDocument(w http.ResponseWriter, r *http.Request) (*EntityDocument, bool) {
	reader, cleanup, err := createSafeRequestReader(w, r, h.options)
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return nil, false
	}
	defer cleanup()
	data, err := io.ReadAll(reader)
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return nil, false
	}
	var doc EntityDocument
	if err := codec.Unmarshal(data, &doc); err != nil {
		respondWithError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error(), h.options)
		return nil, false
	}
	if err := codec.CheckObject(doc.Payload); err != nil {
		respondWithError(w, r, http.StatusBadRequest, err.Error(), h.options)
		return nil, false
	}
	payload, err := codec.Canonicalize(doc.Payload)
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, err.Error(), h.options)
		return nil, false
	}
	doc.Payload = payload
	return &doc, true
}

// replayed answers the request from the idempotency cache. It must be called
// with h.mu held.
func (h *Handler) replayed(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		return false
	}
	v, ok := h.replays.Get(key)
	if !ok {
		return false
	}
	rep := v.(replay)
	h.logger.Debug("Replaying idempotent request", slog.String("idempotency_key", key))
	h.respond(w, r, rep)
	return true
}

// record remembers and writes a response. It must be called with h.mu held.
func (h *Handler) record(w http.ResponseWriter, r *http.Request, rep replay) {
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
		if rep.doc != nil {
			d := *rep.doc
			rep.doc = &d
		}
		h.replays.Add(key, rep)
	}
	h.respond(w, r, rep)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, rep replay) {
	if rep.doc == nil {
		w.WriteHeader(rep.status)
		return
	}
	w.Header().Set(HeaderETag, strconv.Quote(strconv.FormatUint(rep.doc.Version, 10)))
	respondWithJSON(w, r, rep.status, rep.doc, h.options)
}

func (h *Handler) conflict(w http.ResponseWriter, r *http.Request, current *EntityDocument, message string) {
	d := *current
	respondWithJSON(w, r, http.StatusConflict, ErrorResponse{Error: message, Current: &d}, h.options)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	typ, ok := entityType(r)
	if !ok {
		respondWithError(w, r, http.StatusNotFound, "unknown collection", h.options)
		return
	}
	doc, ok := h.readDocument(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replayed(w, r) {
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	k := tableKey{typ, doc.ID}
	existing := h.entities[k]
	if existing != nil && !existing.Deleted {
		h.conflict(w, r, existing, "entity already exists")
		return
	}

	created := &EntityDocument{
		Type:      typ,
		ID:        doc.ID,
		Payload:   doc.Payload,
		Version:   1,
		UpdatedAt: h.options.Now().UTC(),
	}
	if existing != nil {
		created.Version = existing.Version + 1
	}
	h.entities[k] = created
	h.logger.Debug("Entity created", slog.String("type", typ), slog.String("id", doc.ID))
	h.record(w, r, replay{status: http.StatusCreated, doc: created})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	typ, ok := entityType(r)
	if !ok {
		respondWithError(w, r, http.StatusNotFound, "unknown collection", h.options)
		return
	}
	id := chi.URLParam(r, "id")
	base, conditional, err := ifMatch(r)
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, "invalid If-Match header", h.options)
		return
	}
	doc, ok := h.readDocument(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replayed(w, r) {
		return
	}
	existing := h.entities[tableKey{typ, id}]
	if existing == nil || existing.Deleted {
		respondWithError(w, r, http.StatusNotFound, "entity not found", h.options)
		return
	}
	if conditional && base != existing.Version {
		h.conflict(w, r, existing, "version mismatch")
		return
	}

	updated := *existing
	updated.Payload = doc.Payload
	updated.Version++
	updated.UpdatedAt = h.options.Now().UTC()
	h.entities[tableKey{typ, id}] = &updated
	h.record(w, r, replay{status: http.StatusOK, doc: &updated})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	typ, ok := entityType(r)
	if !ok {
		respondWithError(w, r, http.StatusNotFound, "unknown collection", h.options)
		return
	}
	id := chi.URLParam(r, "id")
	base, conditional, err := ifMatch(r)
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, "invalid If-Match header", h.options)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replayed(w, r) {
		return
	}
	existing := h.entities[tableKey{typ, id}]
	if existing == nil || existing.Deleted {
		h.record(w, r, replay{status: http.StatusNoContent})
		return
	}
	if conditional && base != existing.Version {
		h.conflict(w, r, existing, "version mismatch")
		return
	}

	tombstone := *existing
	tombstone.Payload = nil
	tombstone.Deleted = true
	tombstone.Version++
	tombstone.UpdatedAt = h.options.Now().UTC()
	h.entities[tableKey{typ, id}] = &tombstone
	h.record(w, r, replay{status: http.StatusNoContent})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	typ, ok := entityType(r)
	if !ok {
		respondWithError(w, r, http.StatusNotFound, "unknown collection", h.options)
		return
	}
	h.mu.Lock()
	existing := h.entities[tableKey{typ, chi.URLParam(r, "id")}]
	var doc *EntityDocument
	if existing != nil && !existing.Deleted {
		d := *existing
		doc = &d
	}
	h.mu.Unlock()

	if doc == nil {
		respondWithError(w, r, http.StatusNotFound, "entity not found", h.options)
		return
	}
	h.respond(w, r, replay{status: http.StatusOK, doc: doc})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	typ, ok := entityType(r)
	if !ok {
		respondWithError(w, r, http.StatusNotFound, "unknown collection", h.options)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, err.Error(), h.options)
		return
	}
	var after string
	if token := r.URL.Query().Get("cursor"); token != "" {
		if after, err = cursor.After(token); err != nil {
			respondWithError(w, r, http.StatusBadRequest, "invalid cursor", h.options)
			return
		}
	}

	h.mu.Lock()
	docs := make([]EntityDocument, 0)
	for k, doc := range h.entities {
		if k.typ == typ && doc.ID > after && filter.Matches(doc.Entity()) {
			docs = append(docs, *doc)
		}
	}
	h.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	pageSize := h.options.MaxPageSize
	if filter.Limit > 0 && (pageSize <= 0 || filter.Limit < pageSize) {
		pageSize = filter.Limit
	}
	list := EntityList{Entities: docs}
	if pageSize > 0 && len(docs) > pageSize {
		list.Entities = docs[:pageSize]
		// A caller's own limit ends the listing; only the server cap pages.
		if filter.Limit == 0 || filter.Limit > pageSize {
			next, err := cursor.Encode(cursor.KeyCursor{After: docs[pageSize-1].ID})
			if err != nil {
				respondWithError(w, r, http.StatusInternalServerError, err.Error(), h.options)
				return
			}
			list.NextCursor = next
		}
	}
	respondWithJSON(w, r, http.StatusOK, list, h.options)
}

// parseFilter reads the collection query parameters into a local filter.
// A geo filter needs all of latitude, longitude and radius.
func parseFilter(r *http.Request) (synckit.Filter, error) {
	q := r.URL.Query()
	filter := synckit.Filter{Category: q.Get("category")}

	floats := map[string]*float64{}
	for _, name := range []string{"min_rating", "latitude", "longitude", "radius"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid %s: %q", name, raw)
		}
		floats[name] = &v
	}
	if v := floats["min_rating"]; v != nil {
		filter.MinRating = *v
	}
	lat, lng, radius := floats["latitude"], floats["longitude"], floats["radius"]
	switch {
	case lat != nil && lng != nil && radius != nil:
		filter.Near = &synckit.GeoRadius{Lat: *lat, Lng: *lng, RadiusKm: *radius}
	case lat != nil || lng != nil || radius != nil:
		return filter, fmt.Errorf("latitude, longitude and radius must be given together")
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit: %q", raw)
		}
		filter.Limit = limit
	}
	if raw := q.Get("include_deleted"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid include_deleted: %q", raw)
		}
		filter.IncludeDeleted = include
	}
	if id := q.Get("location_id"); id != "" {
		filter.LocationID = id
	}
	return filter, nil
}
