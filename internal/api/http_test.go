package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/VarunGitGood/livedata/internal/livedata"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotBody struct {
	LiveData map[string]livedata.LiveDataForNode `json:"liveData"`
	Status   string                              `json:"status"`
	Error    string                              `json:"error"`
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	s := NewHTTPServer(newFakeSource(), newFakeLookup(), nil)

	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "livedata_api_requests_total")
}

func TestSnapshot(t *testing.T) {
	s := NewHTTPServer(newFakeSource(), newFakeLookup(), nil)

	rec := do(t, s, http.MethodGet, "/v1/livedata")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[snapshotBody](t, rec)
	assert.Equal(t, "ready", body.Status)
	require.Contains(t, body.LiveData, "raw/orders")
	assert.Equal(t, []string{"run-1"}, body.LiveData["raw/orders"].InProgressRunIDs)

	rec = do(t, s, http.MethodPost, "/v1/livedata")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAssets(t *testing.T) {
	lookup := newFakeLookup()
	s := NewHTTPServer(newFakeSource(), lookup, nil)

	t.Run("found", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/livedata/assets?key=clean/orders&key=clean/orders&key=unknown")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[assetsBody](t, rec)
		assert.Len(t, body.LiveData, 1)
		assert.Equal(t, livedata.FreshnessLate, body.LiveData["clean/orders"].Freshness)
		require.NotEmpty(t, lookup.calls)
		assert.Len(t, lookup.calls[len(lookup.calls)-1], 2)
	})

	t.Run("missing key", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/livedata/assets")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed key", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/livedata/assets?key=a//b")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[errorBody](t, rec).Error, "empty path component")
	})

	t.Run("backend down", func(t *testing.T) {
		lookup.err = fmt.Errorf("%w: connection refused", graphql.ErrTransport)
		defer func() { lookup.err = nil }()
		rec := do(t, s, http.MethodGet, "/v1/livedata/assets?key=clean/orders")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestRefresh(t *testing.T) {
	source := newFakeSource()
	s := NewHTTPServer(source, newFakeLookup(), nil)

	rec := do(t, s, http.MethodPost, "/v1/livedata/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, source.refreshes)

	source.refreshErr = errors.New("boom")
	rec = do(t, s, http.MethodPost, "/v1/livedata/refresh")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[snapshotBody](t, rec)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, "boom", body.Error)
	assert.Contains(t, body.LiveData, "raw/orders")

	source.refreshErr = livedata.ErrNotStarted
	rec = do(t, s, http.MethodPost, "/v1/livedata/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/livedata/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStreamPushesUpdates(t *testing.T) {
	source := newFakeSource()
	srv := httptest.NewServer(NewHTTPServer(source, newFakeLookup(), nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/livedata/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first snapshotBody
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "ready", first.Status)
	assert.Contains(t, first.LiveData, "raw/orders")

	require.Eventually(t, func() bool { return source.listenerCount() == 1 }, time.Second, 5*time.Millisecond)

	next := source.Result()
	next.Status = livedata.StatusRefetch
	source.set(next)

	var second snapshotBody
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "refetch", second.Status)

	conn.Close()
	assert.Eventually(t, func() bool { return source.listenerCount() == 0 }, time.Second, 5*time.Millisecond)
}
