package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/mediabridge/internal/backend"
	"github.com/italolelis/mediabridge/internal/logctx"
	"github.com/italolelis/mediabridge/internal/notifier"
	"github.com/italolelis/mediabridge/internal/release"
	"github.com/italolelis/mediabridge/internal/settings"
	"github.com/italolelis/mediabridge/internal/telemetry"
	"github.com/italolelis/mediabridge/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const defaultSearchLimit = 100

// ClientSet bundles the two backend clients built from one settings snapshot.
type ClientSet struct {
	Indexer  transfer.Indexer
	Transfer transfer.Client
}

// ClientFactory builds a fresh ClientSet from a settings snapshot. It is
// called once at startup and again after every settings update.
type ClientFactory func(settings.Settings) ClientSet

// GatewayHandler is the REST surface over the search and transfer backends.
type GatewayHandler struct {
	username string
	password string

	store    settings.Store
	defaults settings.Settings
	factory  ClientFactory
	notifier notifier.Notifier
	tel      *telemetry.Telemetry

	mu      sync.RWMutex
	clients ClientSet
	current settings.Settings
}

// NewGatewayHandler creates the gateway, loading stored settings and merging
// them over the environment defaults before building the initial clients.
func NewGatewayHandler(
	ctx context.Context,
	username, password string,
	store settings.Store,
	defaults settings.Settings,
	factory ClientFactory,
	notif notifier.Notifier,
	t *telemetry.Telemetry,
) (*GatewayHandler, error) {
	var stored settings.Settings

	err := t.InstrumentSettingsOperation(ctx, "load", func(ctx context.Context) error {
		var loadErr error
		stored, loadErr = settings.Load(ctx, store)

		return loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	current := settings.Merge(defaults, stored)

	return &GatewayHandler{
		username: username,
		password: password,
		store:    store,
		defaults: defaults,
		factory:  factory,
		notifier: notif,
		tel:      t,
		clients:  factory(current),
		current:  current,
	}, nil
}

func (h *GatewayHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Get("/search", h.HandleSearch)
		r.Post("/grab", h.HandleGrab)

		r.Get("/transfers", h.HandleTransfers)
		r.Post("/transfers/{hash}/pause", h.HandlePause)
		r.Post("/transfers/{hash}/resume", h.HandleResume)
		r.Delete("/transfers/{hash}", h.HandleDelete)

		r.Get("/status", h.HandleStatus)
		r.Get("/settings", h.HandleGetSettings)
		r.Put("/settings", h.HandleUpdateSettings)
	})

	return r
}

func (h *GatewayHandler) clientSet() ClientSet {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.clients
}

func (h *GatewayHandler) currentSettings() settings.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.current
}

type searchResult struct {
	GUID        string             `json:"guid"`
	Title       string             `json:"title"`
	IndexerID   int                `json:"indexer_id"`
	Indexer     string             `json:"indexer"`
	Size        int64              `json:"size"`
	SizeDisplay string             `json:"size_display"`
	Seeders     *int64             `json:"seeders"`
	Leechers    *int64             `json:"leechers"`
	InfoURL     string             `json:"info_url,omitempty"`
	IMDBID      int64              `json:"imdb_id,omitempty"`
	PublishDate *time.Time         `json:"publish_date,omitempty"`
	Categories  []release.Category `json:"categories,omitempty"`
	Protocol    string             `json:"protocol"`
	Actionable  bool               `json:"actionable"`
}

func newSearchResult(r release.Release) searchResult {
	res := searchResult{
		GUID:        r.GUID,
		Title:       r.Title,
		IndexerID:   r.IndexerID,
		Indexer:     r.Indexer,
		Size:        r.Size,
		SizeDisplay: transfer.FormatBytes(r.Size),
		Seeders:     r.Seeders,
		Leechers:    r.Leechers,
		InfoURL:     r.InfoURL,
		IMDBID:      r.IMDBID,
		Categories:  r.Categories,
		Protocol:    r.Protocol,
		Actionable:  r.Actionable(),
	}

	if !r.PublishDate.IsZero() {
		d := r.PublishDate
		res.PublishDate = &d
	}

	return res
}

// HandleSearch queries the indexer aggregator and returns the ordered results.
func (h *GatewayHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query parameter is required", http.StatusBadRequest)

		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}
		limit = parsed
	}

	categories, err := parseCategories(r.URL.Query().Get("categories"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	sortBy := release.SortBySeeders
	if raw := r.URL.Query().Get("sort"); raw != "" {
		switch release.SortBy(raw) {
		case release.SortBySeeders, release.SortBySize, release.SortByDate:
			sortBy = release.SortBy(raw)
		default:
			http.Error(w, "sort must be one of seeders, size, date", http.StatusBadRequest)

			return
		}
	}

	releases, err := h.clientSet().Indexer.Search(r.Context(), query, categories, limit, sortBy)
	if err != nil {
		h.writeError(w, r, "search", err)

		return
	}

	results := make([]searchResult, 0, len(releases))
	for _, rel := range releases {
		results = append(results, newSearchResult(rel))
	}

	writeJSON(w, r, http.StatusOK, results)
}

func parseCategories(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	categories := make([]int, 0, len(parts))

	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid category %q", p)
		}
		categories = append(categories, id)
	}

	return categories, nil
}

type grabRequest struct {
	IndexerID        int    `json:"indexer_id"`
	GUID             string `json:"guid"`
	DownloadClientID int    `json:"download_client_id"`
	Title            string `json:"title"`
}

// HandleGrab forwards a release to a download client registered on the
// search backend.
func (h *GatewayHandler) HandleGrab(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req grabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.GUID == "" || req.IndexerID == 0 {
		http.Error(w, "guid and indexer_id are required", http.StatusBadRequest)

		return
	}

	if err := h.clientSet().Indexer.Grab(r.Context(), req.IndexerID, req.GUID, req.DownloadClientID); err != nil {
		h.writeError(w, r, "grab", err)

		return
	}

	subject := req.Title
	if subject == "" {
		subject = req.GUID
	}

	if err := h.notifier.Notify(r.Context(), fmt.Sprintf("Grabbed %s", subject)); err != nil {
		logger.Warn("failed to send grab notification", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

type transferView struct {
	Hash     string `json:"hash"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Progress int    `json:"progress"`

	State       string `json:"state"`
	StateLabel  string `json:"state_label"`
	Downloading bool   `json:"downloading"`
	Seeding     bool   `json:"seeding"`
	Paused      bool   `json:"paused"`

	DownloadSpeed int64 `json:"download_speed"`
	UploadSpeed   int64 `json:"upload_speed"`
	ETA           int64 `json:"eta"`

	SizeDisplay          string `json:"size_display"`
	DownloadSpeedDisplay string `json:"download_speed_display"`
	UploadSpeedDisplay   string `json:"upload_speed_display"`
	ETADisplay           string `json:"eta_display"`

	SeedsConnected    int64   `json:"seeds_connected"`
	SeedsTotal        int64   `json:"seeds_total"`
	LeechersConnected int64   `json:"leechers_connected"`
	LeechersTotal     int64   `json:"leechers_total"`
	Downloaded        int64   `json:"downloaded"`
	Uploaded          int64   `json:"uploaded"`
	Ratio             float64 `json:"ratio"`
}

func newTransferView(t transfer.Transfer) transferView {
	state := t.StateInfo()

	return transferView{
		Hash:     t.Hash,
		Name:     t.Name,
		Size:     t.Size,
		Progress: t.Progress,

		State:       t.State,
		StateLabel:  state.Label,
		Downloading: state.Downloading,
		Seeding:     state.Seeding,
		Paused:      state.Paused,

		DownloadSpeed: t.DownloadSpeed,
		UploadSpeed:   t.UploadSpeed,
		ETA:           t.ETA,

		SizeDisplay:          transfer.FormatBytes(t.Size),
		DownloadSpeedDisplay: transfer.FormatSpeed(t.DownloadSpeed),
		UploadSpeedDisplay:   transfer.FormatSpeed(t.UploadSpeed),
		ETADisplay:           transfer.FormatETA(t.ETA),

		SeedsConnected:    t.SeedsConnected,
		SeedsTotal:        t.SeedsTotal,
		LeechersConnected: t.LeechersConnected,
		LeechersTotal:     t.LeechersTotal,
		Downloaded:        t.Downloaded,
		Uploaded:          t.Uploaded,
		Ratio:             t.Ratio,
	}
}

// HandleTransfers returns the current transfer snapshot.
func (h *GatewayHandler) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")

	transfers, err := h.clientSet().Transfer.GetTransfers(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, "get_transfers", err)

		return
	}

	views := make([]transferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, newTransferView(t))
	}

	writeJSON(w, r, http.StatusOK, views)
}

// HandlePause pauses a single transfer.
func (h *GatewayHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if err := h.clientSet().Transfer.Pause(r.Context(), hash); err != nil {
		h.writeError(w, r, "pause", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleResume resumes a single transfer.
func (h *GatewayHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if err := h.clientSet().Transfer.Resume(r.Context(), hash); err != nil {
		h.writeError(w, r, "resume", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete removes a transfer, optionally purging its payload files.
func (h *GatewayHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	purge := r.URL.Query().Get("purge") == "true"

	if err := h.clientSet().Transfer.Delete(r.Context(), hash, purge); err != nil {
		h.writeError(w, r, "delete", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	SearchConnected   bool            `json:"search_connected"`
	TransferConnected bool            `json:"transfer_connected"`
	TransferStats     *transfer.Stats `json:"transfer_stats"`
}

// HandleStatus probes both backends in parallel. A failed probe degrades the
// corresponding field rather than failing the whole response.
func (h *GatewayHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	clients := h.clientSet()

	var status statusResponse

	g, gctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		status.SearchConnected = clients.Indexer.TestConnection(gctx)

		return nil
	})

	g.Go(func() error {
		stats, err := clients.Transfer.TransferStats(gctx)
		if err != nil {
			logger.Warn("transfer backend probe failed", "err", err)

			return nil
		}

		status.TransferConnected = true
		status.TransferStats = stats

		return nil
	})

	// Probes swallow their own errors, Wait only joins the goroutines.
	_ = g.Wait()

	if status.TransferStats != nil {
		logger.Debug("transfer rates",
			"download", humanize.Bytes(uint64(status.TransferStats.DownloadRate))+"/s",
			"upload", humanize.Bytes(uint64(status.TransferStats.UploadRate))+"/s",
		)
	}

	writeJSON(w, r, http.StatusOK, status)
}

// HandleGetSettings returns the active settings with secrets redacted.
func (h *GatewayHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, redact(h.currentSettings()))
}

// HandleUpdateSettings replaces the settings snapshot, persists it and
// rebuilds both backend clients from the new values. Empty secret fields keep
// their current values so a redacted GET body can be sent back unchanged.
func (h *GatewayHandler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var incoming settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	h.mu.Lock()

	if incoming.SearchAPIKey == "" {
		incoming.SearchAPIKey = h.current.SearchAPIKey
	}

	if incoming.TransferPassword == "" {
		incoming.TransferPassword = h.current.TransferPassword
	}

	err := h.tel.InstrumentSettingsOperation(r.Context(), "save", func(ctx context.Context) error {
		return settings.Save(ctx, h.store, incoming)
	})
	if err != nil {
		h.mu.Unlock()
		h.writeError(w, r, "update_settings", err)

		return
	}

	h.current = incoming
	h.clients = h.factory(incoming)
	h.mu.Unlock()

	writeJSON(w, r, http.StatusOK, redact(incoming))
}

func redact(s settings.Settings) settings.Settings {
	s.SearchAPIKey = ""
	s.TransferPassword = ""

	return s
}

func (h *GatewayHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeError maps the backend error taxonomy onto HTTP status codes.
func (h *GatewayHandler) writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		staleErr     *backend.StaleReferenceError
		configErr    *backend.ConfigurationError
		authErr      *backend.AuthenticationError
		transportErr *backend.TransportError
	)

	status := http.StatusBadGateway

	switch {
	case errors.As(err, &staleErr):
		status = http.StatusNotFound
	case errors.As(err, &configErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &authErr):
		status = http.StatusBadGateway
	case errors.As(err, &transportErr):
		status = http.StatusBadGateway
	}

	logger.Error("request failed", "operation", operation, "status", status, "err", err)

	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
