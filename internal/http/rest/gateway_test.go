package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/italolelis/mediabridge/internal/backend"
	"github.com/italolelis/mediabridge/internal/release"
	"github.com/italolelis/mediabridge/internal/settings"
	"github.com/italolelis/mediabridge/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	values map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	return s.values[key], nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.values[key] = value

	return nil
}

type fakeIndexer struct {
	releases  []release.Release
	searchErr error
	grabErr   error
	connected bool

	grabbedGUID string
}

func (f *fakeIndexer) Search(_ context.Context, _ string, _ []int, _ int, _ release.SortBy) ([]release.Release, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}

	return f.releases, nil
}

func (f *fakeIndexer) Grab(_ context.Context, _ int, guid string, _ int) error {
	if f.grabErr != nil {
		return f.grabErr
	}

	f.grabbedGUID = guid

	return nil
}

func (f *fakeIndexer) TestConnection(_ context.Context) bool {
	return f.connected
}

type fakeTransferClient struct {
	transfers []transfer.Transfer
	stats     *transfer.Stats
	err       error

	pausedHash  string
	resumedHash string
	deletedHash string
	purged      bool
}

func (f *fakeTransferClient) GetTransfers(_ context.Context, _ string) ([]transfer.Transfer, error) {
	return f.transfers, f.err
}

func (f *fakeTransferClient) Pause(_ context.Context, hash string) error {
	f.pausedHash = hash

	return f.err
}

func (f *fakeTransferClient) Resume(_ context.Context, hash string) error {
	f.resumedHash = hash

	return f.err
}

func (f *fakeTransferClient) Delete(_ context.Context, hash string, purgeFiles bool) error {
	f.deletedHash = hash
	f.purged = purgeFiles

	return f.err
}

func (f *fakeTransferClient) TransferStats(_ context.Context) (*transfer.Stats, error) {
	return f.stats, f.err
}

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.messages = append(n.messages, content)

	return nil
}

type gatewayFixture struct {
	handler  *GatewayHandler
	indexer  *fakeIndexer
	dc       *fakeTransferClient
	notifier *recordingNotifier
	store    *memoryStore
	rebuilds int
}

func newGateway(t *testing.T, username, password string) *gatewayFixture {
	t.Helper()

	f := &gatewayFixture{
		indexer:  &fakeIndexer{connected: true},
		dc:       &fakeTransferClient{},
		notifier: &recordingNotifier{},
		store:    newMemoryStore(),
	}

	factory := func(settings.Settings) ClientSet {
		f.rebuilds++

		return ClientSet{Indexer: f.indexer, Transfer: f.dc}
	}

	handler, err := NewGatewayHandler(
		context.Background(),
		username, password,
		f.store,
		settings.Settings{SearchURL: "http://prowlarr:9696", SearchAPIKey: "env-key", TransferURL: "http://qbittorrent:8080"},
		factory,
		f.notifier,
		nil,
	)
	require.NoError(t, err)

	f.handler = handler

	return f
}

func intPtr(v int64) *int64 { return &v }

func TestHandleSearch(t *testing.T) {
	f := newGateway(t, "", "")
	f.indexer.releases = []release.Release{
		{
			GUID:      "guid-1",
			Title:     "Some Show S01E01",
			IndexerID: 4,
			Indexer:   "indexer-a",
			Size:      1536,
			Seeders:   intPtr(10),
			Protocol:  "torrent",
			MagnetURL: "magnet:?xt=urn:btih:abc",
		},
		{
			GUID:     "guid-2",
			Title:    "Some Show S01E02",
			Size:     100,
			Protocol: "torrent",
		},
	}

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search?query=some+show", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var results []searchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)

	assert.Equal(t, "guid-1", results[0].GUID)
	assert.Equal(t, "1.5 KB", results[0].SizeDisplay)
	assert.True(t, results[0].Actionable)
	assert.Equal(t, "100 B", results[1].SizeDisplay)
	assert.False(t, results[1].Actionable)
	assert.Nil(t, results[1].Seeders)
	assert.Nil(t, results[1].PublishDate)
}

func TestHandleSearch_Validation(t *testing.T) {
	f := newGateway(t, "", "")

	tests := []struct {
		name   string
		target string
	}{
		{name: "missing query", target: "/api/search"},
		{name: "bad limit", target: "/api/search?query=x&limit=zero"},
		{name: "bad sort", target: "/api/search?query=x&sort=alphabetical"},
		{name: "bad category", target: "/api/search?query=x&categories=2000,tv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleGrab(t *testing.T) {
	f := newGateway(t, "", "")

	body := strings.NewReader(`{"indexer_id":4,"guid":"guid-1","title":"Some Show S01E01"}`)
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/grab", body))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "guid-1", f.indexer.grabbedGUID)
	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "Some Show S01E01")
}

func TestHandleGrab_StaleReference(t *testing.T) {
	f := newGateway(t, "", "")
	f.indexer.grabErr = &backend.StaleReferenceError{GUID: "guid-1"}

	body := strings.NewReader(`{"indexer_id":4,"guid":"guid-1"}`)
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/grab", body))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.notifier.messages)
}

func TestHandleGrab_MissingFields(t *testing.T) {
	f := newGateway(t, "", "")

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/grab", strings.NewReader(`{"guid":"guid-1"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTransfers(t *testing.T) {
	f := newGateway(t, "", "")
	f.dc.transfers = []transfer.Transfer{
		{
			Hash:          "abc",
			Name:          "Some Show S01E01",
			Size:          1073741824,
			Progress:      42,
			State:         "stalledUP",
			DownloadSpeed: 0,
			UploadSpeed:   2048,
			ETA:           3725,
		},
	}

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transfers", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var views []transferView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, "1.0 GB", v.SizeDisplay)
	assert.Equal(t, "0 B/s", v.DownloadSpeedDisplay)
	assert.Equal(t, "2.0 KB/s", v.UploadSpeedDisplay)
	assert.Equal(t, "1h 2m", v.ETADisplay)
	assert.Equal(t, "Seeding", v.StateLabel)
	assert.True(t, v.Seeding)
	assert.False(t, v.Downloading)
}

func TestHandleTransferCommands(t *testing.T) {
	f := newGateway(t, "", "")

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/transfers/abc/pause", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "abc", f.dc.pausedHash)

	rec = httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/transfers/abc/resume", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "abc", f.dc.resumedHash)

	rec = httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/transfers/abc?purge=true", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "abc", f.dc.deletedHash)
	assert.True(t, f.dc.purged)
}

func TestHandleTransfers_AuthFailure(t *testing.T) {
	f := newGateway(t, "", "")
	f.dc.err = &backend.AuthenticationError{Operation: "get_transfers"}

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transfers", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleStatus_DegradesOnProbeFailure(t *testing.T) {
	f := newGateway(t, "", "")
	f.dc.err = &backend.TransportError{Operation: "transfer_stats"}

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.SearchConnected)
	assert.False(t, status.TransferConnected)
	assert.Nil(t, status.TransferStats)
}

func TestHandleStatus(t *testing.T) {
	f := newGateway(t, "", "")
	f.dc.stats = &transfer.Stats{DownloadRate: 1048576, UploadRate: 2048}

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.TransferConnected)
	require.NotNil(t, status.TransferStats)
	assert.Equal(t, int64(1048576), status.TransferStats.DownloadRate)
}

func TestSettings_GetRedactsSecrets(t *testing.T) {
	f := newGateway(t, "", "")

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var s settings.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "http://prowlarr:9696", s.SearchURL)
	assert.Empty(t, s.SearchAPIKey)
	assert.Empty(t, s.TransferPassword)
}

func TestSettings_UpdateRebuildsClients(t *testing.T) {
	f := newGateway(t, "", "")
	require.Equal(t, 1, f.rebuilds)

	body := strings.NewReader(`{"search_url":"http://new-prowlarr:9696","transfer_url":"http://new-qbittorrent:8080"}`)
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/settings", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.rebuilds)

	// Empty secrets keep the previous values.
	stored, err := settings.Load(context.Background(), f.store)
	require.NoError(t, err)
	assert.Equal(t, "http://new-prowlarr:9696", stored.SearchURL)
	assert.Equal(t, "env-key", stored.SearchAPIKey)
}

func TestBasicAuth(t *testing.T) {
	f := newGateway(t, "admin", "secret")

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transfers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/transfers", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/transfers", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open without credentials.
	rec = httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
