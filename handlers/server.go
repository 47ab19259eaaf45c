package handlers

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/celerfi/coin-price-indexer/scheduler"
)

//go:embed static/index.html
var indexHTML []byte

// DashboardStore is everything the HTTP surface reads, normally a *utils.PriceStore.
type DashboardStore interface {
	SnapshotReader
	KnownIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

type StatusReporter interface {
	LastReport() CycleReport
}

type Server struct {
	Dashboard *Dashboard
	Store     DashboardStore
	Ingestion StatusReporter
	Logger    *zap.Logger
	Clock     scheduler.Clock
	Refresh   time.Duration
}

// streamRequest is what the page sends over the websocket when the filter changes.
type streamRequest struct {
	IDs   []string `json:"ids"`
	Limit int      `json:"limit"`
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/", s.index)
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	r.Get("/ws", s.stream)
	r.Route("/api", func(r chi.Router) {
		r.Get("/assets", s.assets)
		r.Get("/dashboard", s.dashboard)
		r.Get("/ingestion/status", s.ingestionStatus)
	})
	return r
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.logger().Warn("readiness ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db_unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) assets(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Store.KnownIDs(r.Context())
	if err != nil {
		s.logger().Warn("listing coin ids failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "coin list unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"options": append([]string{AllCoins}, ids...)})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ids, limit, err := parseSelection(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Dashboard.Render(r.Context(), ids, limit))
}

func (s *Server) ingestionStatus(w http.ResponseWriter, r *http.Request) {
	if s.Ingestion == nil {
		writeJSON(w, http.StatusOK, CycleReport{})
		return
	}
	writeJSON(w, http.StatusOK, s.Ingestion.LastReport())
}

// stream pushes a fresh view on connect, on every refresh tick and whenever the client
// sends a new filter.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	ids, limit, err := parseSelection(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger().Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer c.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan streamRequest)
	go func() {
		defer close(requests)
		for {
			var req streamRequest
			if err := wsjson.Read(ctx, c, &req); err != nil {
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	req := streamRequest{IDs: ids, Limit: limit}
	push := func() error {
		view := s.Dashboard.Render(ctx, req.IDs, req.Limit)
		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		defer wcancel()
		return wsjson.Write(wctx, c, view)
	}

	if err := push(); err != nil {
		return
	}
	tick := s.clock().After(s.refresh())
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-requests:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			req = next
		case <-tick:
			tick = s.clock().After(s.refresh())
		}
		if err := push(); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger().Debug("websocket push failed", zap.Error(err))
			}
			return
		}
	}
}

// parseSelection reads ids as a repeated or comma separated parameter plus an optional limit.
func parseSelection(r *http.Request) ([]string, int, error) {
	q := r.URL.Query()
	var ids []string
	for _, v := range q["ids"] {
		ids = append(ids, strings.Split(v, ",")...)
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, 0, errors.New("limit must be a non-negative integer")
		}
		limit = n
	}
	return ids, limit, nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) refresh() time.Duration {
	if s.Refresh > 0 {
		return s.Refresh
	}
	return time.Minute
}

func (s *Server) clock() scheduler.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return scheduler.RealClock()
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}
