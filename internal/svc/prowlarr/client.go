package prowlarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/mediabridge/internal/backend"
	"github.com/italolelis/mediabridge/internal/logctx"
	"github.com/italolelis/mediabridge/internal/release"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Searches fan out to every configured indexer, so they get a generous
// timeout. The response body kept for diagnostics is capped.
const (
	requestTimeout = 60 * time.Second
	maxErrorBody   = 4 * 1024
)

// Config holds the connection parameters for one Prowlarr instance. It is a
// value type: With... methods return modified copies, nothing mutates in
// place.
type Config struct {
	URL     string
	APIKey  string
	Enabled bool
}

// Valid reports whether the configuration is usable: both the server URL and
// the API key must be present.
func (c Config) Valid() bool {
	return c.URL != "" && c.APIKey != ""
}

// WithURL returns a copy of the config pointing at a different server.
func (c Config) WithURL(serverURL string) Config {
	c.URL = serverURL
	return c
}

// WithAPIKey returns a copy of the config with a different API key.
func (c Config) WithAPIKey(key string) Config {
	c.APIKey = key
	return c
}

// Client is a Prowlarr API client. Authentication is stateless: every request
// carries the static X-Api-Key header, there is no session to manage.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Prowlarr client. An invalid configuration fails
// here, before any network call can happen.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, &backend.ConfigurationError{Backend: "prowlarr", Reason: "server URL is required"}
	}
	if cfg.APIKey == "" {
		return nil, &backend.ConfigurationError{Backend: "prowlarr", Reason: "API key is required"}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// releasePayload is the raw JSON shape of one search hit.
type releasePayload struct {
	GUID        string             `json:"guid"`
	Title       string             `json:"title"`
	IndexerID   int                `json:"indexerId"`
	Indexer     string             `json:"indexer"`
	Size        int64              `json:"size"`
	Seeders     *int64             `json:"seeders"`
	Leechers    *int64             `json:"leechers"`
	DownloadURL string             `json:"downloadUrl"`
	MagnetURL   string             `json:"magnetUrl"`
	InfoURL     string             `json:"infoUrl"`
	IMDBID      int64              `json:"imdbId"`
	PublishDate *time.Time         `json:"publishDate"`
	Categories  []release.Category `json:"categories"`
	Protocol    string             `json:"protocol"`
}

func (p releasePayload) toRelease() release.Release {
	r := release.Release{
		GUID:        p.GUID,
		Title:       p.Title,
		IndexerID:   p.IndexerID,
		Indexer:     p.Indexer,
		Size:        p.Size,
		Seeders:     p.Seeders,
		Leechers:    p.Leechers,
		DownloadURL: p.DownloadURL,
		MagnetURL:   p.MagnetURL,
		InfoURL:     p.InfoURL,
		IMDBID:      p.IMDBID,
		Categories:  p.Categories,
		Protocol:    p.Protocol,
	}
	if p.PublishDate != nil {
		r.PublishDate = *p.PublishDate
	}
	return r
}

// Search queries every configured indexer and returns the hits ordered by the
// requested key. The backend has no server-side ordering, so the sort happens
// here, after decoding. The limit bounds what is requested, not what the
// backend actually returns.
func (c *Client) Search(
	ctx context.Context, query string, categories []int, limit int, sortBy release.SortBy,
) ([]release.Release, error) {
	logger := logctx.LoggerFromContext(ctx).With("query", query, "limit", limit)

	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("type", "search")
	if len(categories) > 0 {
		ids := make([]string, len(categories))
		for i, id := range categories {
			ids[i] = strconv.Itoa(id)
		}
		params.Set("categories", strings.Join(ids, ","))
	}

	resp, err := c.get(ctx, "/api/v1/search?"+params.Encode(), "search")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload []releasePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &backend.BackendError{Operation: "search", Body: err.Error(), Err: err}
	}

	releases := make([]release.Release, len(payload))
	for i, p := range payload {
		releases[i] = p.toRelease()
	}

	release.Sort(releases, sortBy)

	logger.Debug("search completed", "count", len(releases), "sort_by", string(sortBy))

	return releases, nil
}

// Grab instructs Prowlarr to push a release to a download client. The
// backend's result cache for a GUID is time-limited, so a stale GUID
// legitimately fails; grabs are never retried. A zero downloadClientID lets
// the backend pick its default client.
func (c *Client) Grab(ctx context.Context, indexerID int, guid string, downloadClientID int) error {
	logger := logctx.LoggerFromContext(ctx).With("indexer_id", indexerID, "guid", guid)

	payload := map[string]any{
		"indexerId": indexerID,
		"guid":      guid,
	}
	if downloadClientID > 0 {
		payload["downloadClientId"] = downloadClientID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode grab payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/search", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create grab request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("grab request failed", "err", err)
		return &backend.TransportError{Operation: "grab", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		backendErr := &backend.BackendError{Operation: "grab", StatusCode: resp.StatusCode, Body: string(raw)}

		// A 404 means the release fell out of the backend's result cache;
		// the caller needs a fresh search, not a retry.
		if resp.StatusCode == http.StatusNotFound {
			logger.Warn("release no longer cached", "status", resp.StatusCode)
			return &backend.StaleReferenceError{GUID: guid, Err: backendErr}
		}

		logger.Error("grab rejected", "status", resp.StatusCode, "body", string(raw))
		return backendErr
	}

	logger.Info("release sent to download client")

	return nil
}

// SystemStatus is the backend's version/identity payload.
type SystemStatus struct {
	Version      string `json:"version"`
	InstanceName string `json:"instanceName"`
	AppName      string `json:"appName"`
}

// SystemStatus fetches the backend's version and instance info.
func (c *Client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	resp, err := c.get(ctx, "/api/v1/system/status", "system_status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status SystemStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, &backend.BackendError{Operation: "system_status", Body: err.Error(), Err: err}
	}

	return &status, nil
}

// TestConnection probes the backend and reports reachability. It degrades to
// false on any failure so callers can render "unavailable" without
// special-casing transport errors.
func (c *Client) TestConnection(ctx context.Context) bool {
	status, err := c.SystemStatus(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("search backend unreachable", "err", err)
		return false
	}

	return status != nil
}

// IndexerInfo describes one indexer configured in the aggregator.
type IndexerInfo struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Enable   bool   `json:"enable"`
}

// Indexers lists the indexers configured in the backend.
func (c *Client) Indexers(ctx context.Context) ([]IndexerInfo, error) {
	resp, err := c.get(ctx, "/api/v1/indexer", "indexers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var indexers []IndexerInfo
	if err := json.NewDecoder(resp.Body).Decode(&indexers); err != nil {
		return nil, &backend.BackendError{Operation: "indexers", Body: err.Error(), Err: err}
	}

	return indexers, nil
}

// DownloadClientInfo describes one download client known to the aggregator.
type DownloadClientInfo struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Implementation string `json:"implementation"`
	Enable         bool   `json:"enable"`
}

// DownloadClients lists the download clients configured in the backend.
func (c *Client) DownloadClients(ctx context.Context) ([]DownloadClientInfo, error) {
	resp, err := c.get(ctx, "/api/v1/downloadclient", "download_clients")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var clients []DownloadClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return nil, &backend.BackendError{Operation: "download_clients", Body: err.Error(), Err: err}
	}

	return clients, nil
}

// get performs an authenticated GET and returns the response if it is 2xx.
func (c *Client) get(ctx context.Context, path, operation string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &backend.TransportError{Operation: operation, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		return nil, &backend.BackendError{Operation: operation, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return resp, nil
}
