// Package handler is the read-only HTTP query surface. Every state change
// goes through the command scheduler; these routes only observe.
package handler

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idgraph/internal/aggregate"
	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/platform/middleware"
	relmodels "idgraph/internal/relationship/models"
	relservice "idgraph/internal/relationship/service"
	wfservice "idgraph/internal/workflow/service"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/httputil"
	pstrings "idgraph/pkg/platform/strings"
)

const maxTraverseDepth = 16

type Identities interface {
	Get(ctx context.Context, identityID id.IdentityID) (*identitymodels.Identity, error)
	Resolve(ctx context.Context, identityID id.IdentityID) (*identitymodels.Identity, error)
	Find(ctx context.Context, filter identitymodels.Filter) []*identitymodels.Identity
}

type Aggregates interface {
	Snapshot(ctx context.Context, identityID id.IdentityID) (*aggregate.Snapshot, error)
}

type Graph interface {
	Traverse(start id.IdentityID, filter []relmodels.Type, maxDepth int) iter.Seq[relservice.Hop]
}

type Verifications interface {
	VerificationStatus(ctx context.Context, identityID id.IdentityID) (*wfservice.VerificationStatus, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	identities    Identities
	aggregates    Aggregates
	graph         Graph
	verifications Verifications
	checks        map[string]HealthCheck
	logger        *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHealthCheck adds a dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) {
		if check != nil {
			h.checks[name] = check
		}
	}
}

func New(identities Identities, aggregates Aggregates, graph Graph, verifications Verifications, opts ...Option) *Handler {
	h := &Handler{
		identities:    identities,
		aggregates:    aggregates,
		graph:         graph,
		verifications: verifications,
		checks:        map[string]HealthCheck{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with every route mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestContext)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger(h.logger))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/identities", h.handleListIdentities)
	r.Route("/identities/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetIdentity)
		r.Get("/verification", h.handleVerification)
		r.Get("/aggregate", h.handleAggregate)
		r.Get("/traverse", h.handleTraverse)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "check", name, "error", err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": overall, "checks": results})
}

func (h *Handler) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	identityID, ok := identityParam(w, r)
	if !ok {
		return
	}
	ident, err := h.identities.Get(r.Context(), identityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ident)
}

type listResponse struct {
	Identities []*identitymodels.Identity `json:"identities"`
	Count      int                        `json:"count"`
}

// handleListIdentities filters on ?type=, ?status=, ?min_level= and
// ?claim_type= with an optional ?claim_value=.
func (h *Handler) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	found := h.identities.Find(r.Context(), filter)
	if found == nil {
		found = []*identitymodels.Identity{}
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Identities: found, Count: len(found)})
}

func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	identityID, ok := identityParam(w, r)
	if !ok {
		return
	}
	status, err := h.verifications.VerificationStatus(r.Context(), identityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	identityID, ok := identityParam(w, r)
	if !ok {
		return
	}
	snap, err := h.aggregates.Snapshot(r.Context(), identityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

type traverseResponse struct {
	Start id.IdentityID    `json:"start"`
	Hops  []relservice.Hop `json:"hops"`
}

// handleTraverse accepts ?types=a,b to filter relationship types and
// ?depth=n to bound the walk. The start is reported after redirects.
func (h *Handler) handleTraverse(w http.ResponseWriter, r *http.Request) {
	identityID, ok := identityParam(w, r)
	if !ok {
		return
	}
	filter, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	depth, err := parseDepth(r.URL.Query().Get("depth"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	start, err := h.identities.Resolve(r.Context(), identityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := traverseResponse{Start: start.ID, Hops: []relservice.Hop{}}
	for hop := range h.graph.Traverse(start.ID, filter, depth) {
		resp.Hops = append(resp.Hops, hop)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func identityParam(w http.ResponseWriter, r *http.Request) (id.IdentityID, bool) {
	identityID, err := id.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.IdentityID{}, false
	}
	return identityID, true
}

func parseFilter(q url.Values) (identitymodels.Filter, error) {
	filter := identitymodels.Filter{
		Type:       identitymodels.Type(strings.TrimSpace(q.Get("type"))),
		Status:     identitymodels.Status(strings.TrimSpace(q.Get("status"))),
		ClaimType:  identitymodels.ClaimType(strings.TrimSpace(q.Get("claim_type"))),
		ClaimValue: q.Get("claim_value"),
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		return filter, dErrors.Newf(dErrors.CodeInvalidInput, "unknown identity type %q", filter.Type)
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return filter, dErrors.Newf(dErrors.CodeInvalidInput, "unknown identity status %q", filter.Status)
	}
	if raw := strings.TrimSpace(q.Get("min_level")); raw != "" {
		level, ok := identitymodels.ParseVerificationLevel(raw)
		if !ok {
			return filter, dErrors.Newf(dErrors.CodeInvalidInput, "unknown verification level %q", raw)
		}
		filter.MinLevel = level
	}
	if filter.ClaimValue != "" && filter.ClaimType == "" {
		return filter, dErrors.New(dErrors.CodeInvalidInput, "claim_value needs claim_type")
	}
	return filter, nil
}

func parseTypes(raw string) ([]relmodels.Type, error) {
	var types []relmodels.Type
	for _, part := range pstrings.SplitList(raw) {
		t := relmodels.Type(part)
		if !t.IsValid() {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown relationship type %q", part)
		}
		types = append(types, t)
	}
	return types, nil
}

func parseDepth(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	depth, err := strconv.Atoi(raw)
	if err != nil || depth < 1 || depth > maxTraverseDepth {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "depth must be between 1 and %d", maxTraverseDepth)
	}
	return depth, nil
}
