// Package relay accepts client websocket connections, submits new jobs to the
// execution fleet and streams job progress back to the client.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/session"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

// Logical endpoints below the base path.
const (
	EndpointNewTest     = "/new-test"
	EndpointCurrentTest = "/current-test"
)

// Client facing error messages that do not come from admission.
const (
	msgInvalidEndpoint = "Invalid endpoint"
	msgUnexpected      = "An unexpected error occurred"
)

// Bus is the orchestrator store shared with the execution fleet.
type Bus interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string, handler redisbus.Handler) (io.Closer, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
}

// Cache is the core cache holding the running-test index and job scope keys.
type Cache interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SideConn is an open side channel owned by one connection.
type SideConn interface {
	session.SideChannel
	Close() error
}

// SideChannelDialer opens the side channel of a new-job connection.
type SideChannelDialer interface {
	Dial(ctx context.Context, params entity.ConnParams, onCreated func(entity.ResponseCreated)) (SideConn, error)
}

// HealthChecker reports bus reachability for verbose /health responses.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// MetricsSink records relay metrics. Methods must not block.
type MetricsSink interface {
	ConnectionOpened(endpoint string)
	ConnectionClosed(endpoint string)
	AdmissionRejected(endpoint string)
	MessageForwarded()
	MessageDropped(reason string)
	MessagesReplayed(count int)
	ForcedDisconnect(reason string)
	JobOutcome(outcome string)
}

// AfterFunc runs f once after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Config struct {
	BasePath string
	// DisconnectGrace is the delay between forwarding a terminal status and
	// closing the client socket.
	DisconnectGrace time.Duration
	// MaxJobDuration bounds the lifetime of every connection. Zero disables it.
	MaxJobDuration time.Duration
	// JobScopeTTL is the expiry of the job scope key. Zero means MaxJobDuration.
	JobScopeTTL time.Duration
	// MaxRunningTests refuses a new job once its workspace already has this
	// many running. Zero disables the check.
	MaxRunningTests int
	// ConsoleLimit is the per-job CONSOLE message count at which console
	// output stops being relayed. Zero disables it.
	ConsoleLimit int
}

type Server struct {
	cfg    Config
	bus    Bus
	cache  Cache
	dialer SideChannelDialer

	upgrader  websocket.Upgrader
	health    HealthChecker
	metrics   MetricsSink
	afterFunc AfterFunc
	now       func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config, bus Bus, cache Cache, dialer SideChannelDialer) *Server {
	if cfg.JobScopeTTL == 0 {
		cfg.JobScopeTTL = cfg.MaxJobDuration
	}
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")

	root, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		bus:    bus,
		cache:  cache,
		dialer: dialer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics:   noopMetrics{},
		afterFunc: realAfterFunc,
		now:       time.Now,
		root:      root,
		cancel:    cancel,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Server) WithMetrics(sink MetricsSink) *Server {
	s.metrics = sink
	return s
}

// WithHealthChecker enables verbose /health responses.
func (s *Server) WithHealthChecker(h HealthChecker) *Server {
	s.health = h
	return s
}

// WithAfterFunc replaces the timer used for disconnects.
func (s *Server) WithAfterFunc(f AfterFunc) *Server {
	s.afterFunc = f
	return s
}

// WithClock replaces the time source used for job creation times.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		s.serveHealth(w, r)

	case path == s.cfg.BasePath || strings.HasPrefix(path, s.cfg.BasePath+"/"):
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("relay: upgrade failed remote=%s: %v", r.RemoteAddr, err)
			return
		}
		s.Serve(newWSSocket(ws), r.URL)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

// Serve runs one client connection to completion.
func (s *Server) Serve(sock Socket, u *url.URL) {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.root)
	defer cancel()

	endpoint := s.endpoint(u)
	c := newConn(s, sock, endpoint)
	defer c.shutdown()

	switch endpoint {
	case EndpointNewTest:
		s.metrics.ConnectionOpened(endpoint)
		defer s.metrics.ConnectionClosed(endpoint)
		s.serveNewJob(ctx, c, u.Query())
	case EndpointCurrentTest:
		s.metrics.ConnectionOpened(endpoint)
		defer s.metrics.ConnectionClosed(endpoint)
		s.serveResume(ctx, c, u.Query())
	default:
		s.metrics.AdmissionRejected("invalid")
		log.Printf("relay: invalid endpoint path=%s", u.Path)
		c.emitError(msgInvalidEndpoint)
	}
}

// Shutdown closes every open connection and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// endpoint resolves the logical endpoint from the path suffix or, on the
// base path itself, from the endpoint query parameter.
func (s *Server) endpoint(u *url.URL) string {
	rest := strings.TrimPrefix(u.Path, s.cfg.BasePath)
	if rest == "" || rest == "/" {
		rest = u.Query().Get("endpoint")
	}
	return rest
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "true" || s.health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	resp := healthResponse{Status: "ok", Components: map[string]string{}}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["bus"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["bus"] = "healthy"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("relay: write response: %v", err)
	}
}

// EntityDialer adapts an entity engine dialer to SideChannelDialer.
type EntityDialer struct {
	Dialer *entity.Dialer
}

func (d EntityDialer) Dial(ctx context.Context, params entity.ConnParams, onCreated func(entity.ResponseCreated)) (SideConn, error) {
	conn, err := d.Dialer.Dial(ctx, params, onCreated)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type unavailableSide struct {
	session.Unavailable
}

func (unavailableSide) Close() error { return nil }

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(string)  {}
func (noopMetrics) ConnectionClosed(string)  {}
func (noopMetrics) AdmissionRejected(string) {}
func (noopMetrics) MessageForwarded()        {}
func (noopMetrics) MessageDropped(string)    {}
func (noopMetrics) MessagesReplayed(int)     {}
func (noopMetrics) ForcedDisconnect(string)  {}
func (noopMetrics) JobOutcome(string)        {}
