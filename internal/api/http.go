// Package api exposes tracked live data over HTTP, a websocket push stream
// and gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/VarunGitGood/livedata/internal/livedata"
	"github.com/VarunGitGood/livedata/internal/monitoring"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// Source is the tracked live data. *livedata.Tracker satisfies it.
type Source interface {
	Result() livedata.Result
	Refresh(ctx context.Context) (livedata.Result, error)
	OnUpdate(fn func(livedata.Result)) (remove func())
}

// Lookuper answers ad-hoc queries for arbitrary assets. *livedata.Fetcher
// satisfies it.
type Lookuper interface {
	Lookup(ctx context.Context, keys []livedata.AssetKey) (map[string]livedata.LiveDataForNode, error)
}

type HTTPServer struct {
	source   Source
	lookup   Lookuper
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

type errorBody struct {
	Error string `json:"error"`
}

type assetsBody struct {
	LiveData map[string]livedata.LiveDataForNode `json:"liveData"`
}

func NewHTTPServer(source Source, lookup Lookuper, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{
		source: source,
		lookup: lookup,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		mux: http.NewServeMux(),
	}

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /health", s.observe("health", s.handleHealth))
	s.mux.HandleFunc("GET /v1/livedata", s.observe("livedata", s.handleSnapshot))
	s.mux.HandleFunc("GET /v1/livedata/assets", s.observe("assets", s.handleAssets))
	s.mux.HandleFunc("POST /v1/livedata/refresh", s.observe("refresh", s.handleRefresh))
	s.mux.HandleFunc("GET /v1/livedata/ws", s.handleStream)
	return s
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Result())
}

func (s *HTTPServer) handleAssets(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["key"]
	if len(raw) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "at least one key parameter is required"})
		return
	}
	keys, err := livedata.ParseAssetKeys(raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	nodes, err := s.lookup.Lookup(r.Context(), keys)
	if err != nil {
		s.logger.Warn("asset lookup failed", zap.Int("assets", len(keys)), zap.Error(err))
		s.writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, assetsBody{LiveData: nodes})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.source.Refresh(r.Context())
	switch {
	case errors.Is(err, livedata.ErrNotStarted):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case err != nil:
		// The previous data is still useful to the caller.
		s.writeJSON(w, http.StatusBadGateway, result)
	default:
		s.writeJSON(w, http.StatusOK, result)
	}
}

// handleStream sends the current snapshot and then every update. A client
// that falls behind only receives the newest snapshot.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.APIRequestsTotal.WithLabelValues("http", "stream", "upgrade_failed").Inc()
		return
	}
	defer conn.Close()
	monitoring.APIRequestsTotal.WithLabelValues("http", "stream", strconv.Itoa(http.StatusSwitchingProtocols)).Inc()
	monitoring.StreamClients.Inc()
	defer monitoring.StreamClients.Dec()

	updates := make(chan livedata.Result, 1)
	remove := s.source.OnUpdate(func(result livedata.Result) {
		for {
			select {
			case updates <- result:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer remove()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	if err := s.writeStream(conn, s.source.Result()); err != nil {
		return
	}
	for {
		select {
		case result := <-updates:
			if err := s.writeStream(conn, result); err != nil {
				s.logger.Debug("live data stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *HTTPServer) writeStream(conn *websocket.Conn, result livedata.Result) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(result)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		monitoring.APIRequestsTotal.WithLabelValues("http", route, strconv.Itoa(rec.code)).Inc()
	}
}
