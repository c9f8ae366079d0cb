package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/mediabridge/internal/backend"
	"github.com/italolelis/mediabridge/internal/logctx"
	"github.com/italolelis/mediabridge/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	requestTimeout = 30 * time.Second
	maxErrorBody   = 4 * 1024

	sessionCookieName = "SID"
)

// Config holds the connection parameters for one qBittorrent instance. It is
// a value type: With... methods return modified copies. Credentials may be
// absent, some deployments run the Web API without authentication.
type Config struct {
	URL      string
	Username string
	Password string
}

// Valid reports whether the configuration is usable: only the server URL is
// mandatory.
func (c Config) Valid() bool {
	return c.URL != ""
}

// WithURL returns a copy of the config pointing at a different server.
func (c Config) WithURL(serverURL string) Config {
	c.URL = serverURL
	return c
}

// WithCredentials returns a copy of the config with different credentials.
func (c Config) WithCredentials(username, password string) Config {
	c.Username = username
	c.Password = password
	return c
}

type sessionState int

const (
	sessionNone sessionState = iota
	sessionAuthenticated
)

// Client is a qBittorrent Web API client. It owns an opaque session
// credential obtained via login, attached to every request and re-obtained
// transparently when the backend rejects it. The session never outlives the
// client instance and is never shared between instances.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client

	mu    sync.Mutex
	state sessionState
	sid   string
}

// NewClient creates a new qBittorrent client in the NoSession state. An
// invalid configuration fails here, before any network call can happen.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, &backend.ConfigurationError{Backend: "qbittorrent", Reason: "server URL is required"}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

var _ transfer.Client = (*Client)(nil)

// Login authenticates against the backend and enters the Authenticated
// state. Without configured credentials it probes the version endpoint
// instead and treats a 200 as usable without authentication.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	if c.cfg.Username == "" && c.cfg.Password == "" {
		return c.probeLocked(ctx)
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("login request failed", "err", err)
		return &backend.TransportError{Operation: "login", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		logger.Error("login rejected", "status", resp.StatusCode, "body", string(body))
		return &backend.AuthenticationError{
			Operation: "login",
			Err:       &backend.BackendError{Operation: "login", StatusCode: resp.StatusCode, Body: string(body)},
		}
	}

	// The Web API answers 200 with a literal "Fails." on bad credentials.
	if strings.TrimSpace(string(body)) != "Ok." {
		logger.Error("login refused by backend", "body", string(body))
		return &backend.AuthenticationError{Operation: "login"}
	}

	// Some deployments run without session cookies; a missing SID still
	// counts as authenticated, subsequent calls just carry no credential.
	c.sid = ""
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			c.sid = cookie.Value
		}
	}
	c.state = sessionAuthenticated

	logger.Debug("session established", "has_cookie", c.sid != "")

	return nil
}

// probeLocked checks that a credential-less backend is actually usable.
func (c *Client) probeLocked(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "app.version")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/app/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("probe request failed", "err", err)
		return &backend.TransportError{Operation: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.Error("backend requires credentials", "status", resp.StatusCode)
		return &backend.AuthenticationError{
			Operation: "login",
			Err:       &backend.BackendError{Operation: "login", StatusCode: resp.StatusCode, Body: string(body)},
		}
	}

	c.sid = ""
	c.state = sessionAuthenticated

	logger.Debug("backend usable without authentication")

	return nil
}

func (c *Client) ensureLoggedIn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == sessionAuthenticated {
		return nil
	}

	return c.loginLocked(ctx)
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = sessionNone
	c.sid = ""
}

// torrentPayload is the raw JSON shape of one queue item.
type torrentPayload struct {
	Hash          string  `json:"hash"`
	Name          string  `json:"name"`
	Size          int64   `json:"size"`
	Progress      float64 `json:"progress"`
	DlSpeed       int64   `json:"dlspeed"`
	UpSpeed       int64   `json:"upspeed"`
	NumComplete   int64   `json:"num_complete"`
	NumIncomplete int64   `json:"num_incomplete"`
	NumSeeds      int64   `json:"num_seeds"`
	NumLeechs     int64   `json:"num_leechs"`
	State         string  `json:"state"`
	ETA           int64   `json:"eta"`
	Downloaded    int64   `json:"downloaded"`
	Uploaded      int64   `json:"uploaded"`
	Ratio         float64 `json:"ratio"`
}

func (p torrentPayload) toTransfer() transfer.Transfer {
	return transfer.Transfer{
		Hash:              p.Hash,
		Name:              p.Name,
		Size:              p.Size,
		Progress:          transfer.ProgressPercent(p.Progress),
		DownloadSpeed:     p.DlSpeed,
		UploadSpeed:       p.UpSpeed,
		SeedsTotal:        p.NumComplete,
		SeedsConnected:    p.NumSeeds,
		LeechersTotal:     p.NumIncomplete,
		LeechersConnected: p.NumLeechs,
		State:             p.State,
		ETA:               p.ETA,
		Downloaded:        p.Downloaded,
		Uploaded:          p.Uploaded,
		Ratio:             p.Ratio,
	}
}

// GetTransfers fetches a fresh snapshot of the download queue. The filter is
// passed through to the backend; an empty filter lists everything.
func (c *Client) GetTransfers(ctx context.Context, filter string) ([]transfer.Transfer, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "torrents.info")

	path := "/api/v2/torrents/info"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}

	resp, err := c.doAuthed(ctx, "get_transfers", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload []torrentPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &backend.BackendError{Operation: "get_transfers", Body: err.Error(), Err: err}
	}

	transfers := make([]transfer.Transfer, len(payload))
	for i, p := range payload {
		transfers[i] = p.toTransfer()
	}

	logger.Debug("fetched transfer snapshot", "count", len(transfers), "filter", filter)

	return transfers, nil
}

// Pause pauses a transfer. Pausing an already-paused item is a no-op success
// at the backend, so repeated calls are safe.
func (c *Client) Pause(ctx context.Context, hash string) error {
	return c.command(ctx, "pause", "/api/v2/torrents/pause", url.Values{"hashes": {hash}})
}

// Resume resumes a paused transfer. Idempotent like Pause.
func (c *Client) Resume(ctx context.Context, hash string) error {
	return c.command(ctx, "resume", "/api/v2/torrents/resume", url.Values{"hashes": {hash}})
}

// Delete removes a transfer from the queue, optionally purging its payload
// files from disk.
func (c *Client) Delete(ctx context.Context, hash string, purgeFiles bool) error {
	form := url.Values{
		"hashes":      {hash},
		"deleteFiles": {strconv.FormatBool(purgeFiles)},
	}

	return c.command(ctx, "delete", "/api/v2/torrents/delete", form)
}

// TransferStats fetches the backend's global rate info.
func (c *Client) TransferStats(ctx context.Context) (*transfer.Stats, error) {
	resp, err := c.doAuthed(ctx, "transfer_stats", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/transfer/info", nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats transfer.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, &backend.BackendError{Operation: "transfer_stats", Body: err.Error(), Err: err}
	}

	return &stats, nil
}

// command issues one status-only form POST.
func (c *Client) command(ctx context.Context, operation, path string, form url.Values) error {
	logger := logctx.LoggerFromContext(ctx).With("operation", operation)

	body := form.Encode()

	resp, err := c.doAuthed(ctx, operation, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return req, nil
	})
	if err != nil {
		logger.Error("command failed", "err", err)
		return err
	}
	resp.Body.Close()

	logger.Debug("command accepted")

	return nil
}

// doAuthed dispatches a request under the session protocol: enter the
// Authenticated state if needed, attach the session cookie, and on an
// authorization failure clear the session, log in again and retry the
// original request exactly once. A second consecutive rejection surfaces as
// an AuthenticationError rather than looping.
func (c *Client) doAuthed(ctx context.Context, operation string, build func() (*http.Request, error)) (*http.Response, error) {
	if err := c.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}

	resp, err := c.dispatch(build)
	if err != nil {
		return nil, &backend.TransportError{Operation: operation, Err: err}
	}

	if isAuthFailure(resp.StatusCode) {
		resp.Body.Close()
		logctx.LoggerFromContext(ctx).Debug("session rejected, re-authenticating", "operation", operation)

		c.invalidateSession()
		if err := c.ensureLoggedIn(ctx); err != nil {
			return nil, err
		}

		resp, err = c.dispatch(build)
		if err != nil {
			return nil, &backend.TransportError{Operation: operation, Err: err}
		}

		if isAuthFailure(resp.StatusCode) {
			resp.Body.Close()
			c.invalidateSession()

			return nil, &backend.AuthenticationError{Operation: operation}
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		return nil, &backend.BackendError{Operation: operation, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return resp, nil
}

func (c *Client) dispatch(build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sid := c.sid
	c.mu.Unlock()

	if sid != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sid})
	}

	return c.httpClient.Do(req)
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
