// Package httpapi exposes the document store over HTTP: document CRUD,
// attachments, status history, per-user metadata, GDPR erasure and
// statistics, with every handled action recorded in the audit log.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"atv.dev/internal/apierror"
	"atv.dev/internal/audit"
	"atv.dev/internal/config"
	"atv.dev/internal/cryptox"
	"atv.dev/internal/documents"
	"atv.dev/internal/obs"
	"atv.dev/internal/scan"
	"atv.dev/internal/services"
	"atv.dev/internal/storage"
)

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	cfg        config.Config
	version    string

	resolver *services.Resolver
	users    services.Store
	policy   *documents.Policy
	docs     *documents.PGStore
	recorder *audit.Recorder
	blobs    storage.Storage
	scanner  scan.Scanner
	box      *cryptox.Box
}

// Deps carries the wired subsystems the API serves.
type Deps struct {
	Config   config.Config
	Version  string
	DB       *sql.DB
	Resolver *services.Resolver
	Users    services.Store
	Policy   *documents.Policy
	Docs     *documents.PGStore
	Recorder *audit.Recorder
	Blobs    storage.Storage
	Scanner  scan.Scanner
	Box      *cryptox.Box
}

func New(deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: ReadyProbe{DB: deps.DB},
		cfg:        deps.Config,
		version:    deps.Version,
		resolver:   deps.Resolver,
		users:      deps.Users,
		policy:     deps.Policy,
		docs:       deps.Docs,
		recorder:   deps.Recorder,
		blobs:      deps.Blobs,
		scanner:    deps.Scanner,
		box:        deps.Box,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/documents", a.handleDocumentsCollection)
	a.mux.HandleFunc("/v1/documents/", a.handleDocumentsSubtree)
	a.mux.HandleFunc("/v1/userdocuments/", a.handleUserDocuments)
	a.mux.HandleFunc("/v1/statistics", a.handleStatistics)
	a.mux.HandleFunc("/v1/gdpr/", a.handleGDPR)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withIdentity(h)
	h = MaxBodyBytes(h, a.maxRequestBytes())
	h = SecurityHeaders(h)
	h = RateLimit(h, rateBurst, ratePerSecond, a.cfg.TrustForwardedFor)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RequestID(h)
	return h
}

// Per-IP limits generous enough for integration batch jobs.
const (
	rateBurst     = 300
	ratePerSecond = 100
)

// maxRequestBytes bounds uploads: the configured per-file limit across a
// full batch, plus headroom for the JSON part and multipart framing.
func (a *API) maxRequestBytes() int64 {
	return a.cfg.MaxFileSize*int64(a.cfg.MaxFileUploadAllowed) + 1<<20
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "atv-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleDocumentsSubtree dispatches everything under /v1/documents/.
func (a *API) handleDocumentsSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		a.handleDocumentsCollection(w, r)
		return
	}
	if path == "batch-list" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.batchListDocuments(w, r)
		return
	}

	parts := strings.Split(path, "/")
	docID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleDocumentResource(w, r, docID)
	case parts[1] == "attachments":
		a.handleAttachments(w, r, docID, parts[2:])
	case parts[1] == "status":
		a.handleStatus(w, r, docID, parts[2:])
	default:
		e := apierror.NotFound()
		writeError(w, e.Status, e.Code, e.Message)
	}
}

func (a *API) handleDocumentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listDocuments(w, r)
	case http.MethodPost:
		a.createDocument(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDocumentResource(w http.ResponseWriter, r *http.Request, docID string) {
	switch r.Method {
	case http.MethodGet:
		a.getDocument(w, r, docID)
	case http.MethodPatch:
		a.patchDocument(w, r, docID)
	case http.MethodDelete:
		a.deleteDocument(w, r, docID)
	case http.MethodPut:
		// Full replacement is not supported; partial update only.
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}
