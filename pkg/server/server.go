// Package server hosts the webhook endpoints, the background job queue and
// the long-polling chat adapters of a running bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"taskbridge/pkg/bridge"
	"taskbridge/pkg/bus"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/config"
	"taskbridge/pkg/dedup"
	"taskbridge/pkg/metrics"
)

const (
	defaultHost          = "0.0.0.0"
	defaultShutdownGrace = 30 * time.Second
)

// Bridge is the work the ingress schedules onto the job queue.
type Bridge interface {
	HandleIncomingMessage(ctx context.Context, msg channel.InboundMessage) (bridge.Outcome, error)
	HandleTaskCompletion(ctx context.Context, taskID string) (int, error)
}

// Options wires a Service. Dedup, Metrics and Log are optional.
type Options struct {
	Config   *config.Config
	Bridge   Bridge
	Jobs     *bus.Bus
	Dedup    dedup.Deduper
	Metrics  *metrics.Metrics
	Adapters []channel.Adapter
	Log      *slog.Logger
	// ShutdownGrace bounds how long Run waits for queued jobs on exit.
	ShutdownGrace time.Duration
}

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	bridge   Bridge
	jobs     *bus.Bus
	dedup    dedup.Deduper
	metrics  *metrics.Metrics
	adapters []channel.Adapter
	grace    time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	stopping      bool
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type queueStatus struct {
	Pending  int `json:"pending"`
	Capacity int `json:"capacity"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Queue         queueStatus             `json:"queue"`
	Channels      map[string]channelState `json:"channels"`
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Bridge == nil {
		return nil, errors.New("bridge is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}

	channelStates := make(map[string]channelState, len(opts.Adapters))
	for _, adapter := range opts.Adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	opts.Metrics.RegisterQueueGauges(opts.Jobs.Pending, opts.Jobs.Capacity)

	return &Service{
		cfg:           opts.Config,
		log:           opts.Log.With("component", "server"),
		bridge:        opts.Bridge,
		jobs:          opts.Jobs,
		dedup:         opts.Dedup,
		metrics:       opts.Metrics,
		adapters:      opts.Adapters,
		grace:         opts.ShutdownGrace,
		channelStates: channelStates,
	}, nil
}

// Handler builds the HTTP router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/manus", s.handleTaskEvent)
		if s.cfg.Channels.Slack.Enabled {
			r.Post("/slack", s.handleSlackEvent)
		}
	})

	return r
}

// Run serves HTTP, runs the job workers and every adapter until ctx is done
// or one of them fails. Queued jobs get the shutdown grace period to finish.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.jobs.Start()
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		// Runs until the queue closes so drain-time events are still seen.
		s.observeEvents(context.WithoutCancel(ctx))
	}()

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(runCtx, serverErrors)

	errCh := make(chan error, len(s.adapters))
	for _, adapter := range s.adapters {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(runCtx, s.handleAdapterMessage)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), s.grace)
	defer stop()
	if err := s.jobs.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Job queue did not drain before shutdown deadline", "error", err)
	}
	<-observed

	return runErr
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	addr := s.address()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Bridge server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start http server: %w", err)
	}
}

func (s *Service) address() string {
	host := strings.TrimSpace(s.cfg.Server.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Server.Port
	if port <= 0 {
		port = config.DefaultServerPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (s *Service) corsOrigins() []string {
	if len(s.cfg.Server.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.Server.CORSOrigins
}

func (s *Service) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("taskbridge is running\n"))
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.writeJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Queue:         queueStatus{Pending: s.jobs.Pending(), Capacity: s.jobs.Capacity()},
		Channels:      channels,
	}
}

// isReady requires a started, not stopping service whose adapters (if any)
// are all running and whose queue has room.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.startedAt.IsZero() || s.stopping {
		return false
	}
	for _, state := range s.channelStates {
		if !state.Running {
			return false
		}
	}
	return s.jobs.Pending() < s.jobs.Capacity()
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
