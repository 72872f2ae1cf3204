// Package api exposes a replica over HTTP and provides the matching client.
//
// The server answers the range-based sync protocol (GET /ranges,
// GET /events, POST /events), pages the claim index (GET /claims), runs
// post search (GET /search) and streams newly committed events over a
// websocket (GET /feed). Bodies are protobuf wire messages; errors are
// JSON. The Client implements synchronization.Transport and
// synchronization.Searcher against such a server.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/synchronization"
)

const (
	defaultClaimLimit  = 20
	maxClaimLimit      = 100
	searchPageSize     = 10
	maxRequestBodySize = 16 << 20

	// maxEventsPerRequest caps one GET /events response. Clients asking
	// for more receive a prefix and ask again.
	maxEventsPerRequest = synchronization.DefaultPageSize
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycentric_api_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})

	eventsIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polycentric_api_events_ingested_total",
		Help: "Events received through POST /events and stored",
	})

	eventsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polycentric_api_events_rejected_total",
		Help: "Events received through POST /events that failed validation",
	})

	feedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polycentric_api_feed_subscribers",
		Help: "Open websocket feed connections",
	})

	feedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polycentric_api_feed_dropped_total",
		Help: "Events not delivered to a feed subscriber whose buffer was full",
	})
)

// Server serves one replica.
type Server struct {
	h      *process.Handle
	engine *gin.Engine
	feed   *feedHub
	logger *slog.Logger
	remove func()
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger. The handle's logger is used by
// default.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the HTTP routes for h. Close releases the live feed.
func NewServer(h *process.Handle, opts ...ServerOption) *Server {
	s := &Server{h: h, logger: h.Logger()}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = newFeedHub(s.logger)
	s.remove = h.AddListener(s.feed)

	r := gin.New()
	r.Use(gin.Recovery(), s.observe)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ranges", s.getRanges)
	r.GET("/events", s.getEvents)
	r.POST("/events", s.postEvents)
	r.GET("/claims", s.getClaims)
	r.GET("/search", s.getSearch)
	r.GET("/feed", s.getFeed)
	s.engine = r
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Close detaches the server from its handle and closes feed connections.
func (s *Server) Close() {
	s.remove()
	s.feed.close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("serving", "addr", addr, "system", s.h.System().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.feed.close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	s.logger.Debug("request", "method", c.Request.Method, "route", route, "status", status, "duration", time.Since(start))
}

func systemParam(c *gin.Context) (model.PublicKey, error) {
	raw := c.Query("system")
	if raw == "" {
		return model.PublicKey{}, badRequest("missing system")
	}
	k, err := model.ParsePublicKey(raw)
	if err != nil {
		return model.PublicKey{}, badRequest("bad system: %v", err)
	}
	return k, nil
}

func (s *Server) getRanges(c *gin.Context) {
	system, err := systemParam(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	prs, err := s.h.Ranges(c.Request.Context(), system)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, marshalRanges(prs))
}

func (s *Server) getEvents(c *gin.Context) {
	system, err := systemParam(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	proc, err := model.ParseProcess(c.Query("process"))
	if err != nil {
		s.abort(c, badRequest("bad process: %v", err))
		return
	}
	raw, err := decodeParam(c.Query("ranges"))
	if err != nil {
		s.abort(c, badRequest("bad ranges: %v", err))
		return
	}
	ranges, err := rangeset.Unmarshal(raw)
	if err != nil {
		s.abort(c, badRequest("bad ranges: %v", err))
		return
	}

	events, err := s.h.Store().EventsForRanges(c.Request.Context(), system, proc, ranges, maxEventsPerRequest)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, marshalEvents(events))
}

func (s *Server) postEvents(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodySize))
	if err != nil {
		s.abort(c, badRequest("read body: %v", err))
		return
	}
	events, bad, err := unmarshalEvents(body)
	if err != nil {
		s.abort(c, badRequest("%v", err))
		return
	}

	ctx := c.Request.Context()
	ingested, rejected := 0, bad
	for _, se := range events {
		ok, err := s.h.Ingest(ctx, se)
		switch {
		case errors.Is(err, model.ErrMalformedEvent), errors.Is(err, model.ErrInvalidSignature):
			rejected++
			s.logger.Warn("rejecting posted event", "error", err)
		case err != nil:
			s.abort(c, err)
			return
		case ok:
			ingested++
		}
	}
	eventsIngestedTotal.Add(float64(ingested))
	eventsRejectedTotal.Add(float64(rejected))
	c.JSON(http.StatusOK, gin.H{"ingested": ingested, "rejected": rejected})
}

func (s *Server) getClaims(c *gin.Context) {
	system, err := systemParam(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	limit := defaultClaimLimit
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.abort(c, badRequest("bad limit %q", v))
			return
		}
		limit = min(limit, maxClaimLimit)
	}
	var cursor []byte
	if v := c.Query("cursor"); v != "" {
		if cursor, err = decodeParam(v); err != nil {
			s.abort(c, badRequest("bad cursor: %v", err))
			return
		}
	}

	events, next, err := s.h.Store().QueryClaimIndex(c.Request.Context(), system, limit, cursor)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Header("X-Cursor", encodeParam(next))
	c.Data(http.StatusOK, contentType, marshalEvents(events))
}

func (s *Server) getSearch(c *gin.Context) {
	term := c.Query("term")
	if term == "" {
		s.abort(c, badRequest("missing term"))
		return
	}
	var (
		cursor []byte
		err    error
	)
	if v := c.Query("cursor"); v != "" {
		if cursor, err = decodeParam(v); err != nil {
			s.abort(c, badRequest("bad cursor: %v", err))
			return
		}
	}
	res, err := synchronization.SearchPosts(c.Request.Context(), s.h.Store(), term, cursor, searchPageSize)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, marshalSearchResult(res))
}
