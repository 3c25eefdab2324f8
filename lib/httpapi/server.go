package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/afero"

	"github.com/coder/climulti/lib/logctx"
	"github.com/coder/climulti/lib/proctrack"
	"github.com/coder/climulti/lib/types"
)

type ServerConfig struct {
	// Dir is the PID file directory to serve.
	Dir              string
	Port             int
	AllowedOrigins   []string
	APIKey           string
	SnapshotInterval time.Duration
	// ForgetAfter drops finished processes from listings and the event
	// replay once they have been finished this long. Zero keeps them.
	ForgetAfter time.Duration
	Fs          afero.Fs
	Clock       quartz.Clock
	Prober      proctrack.Prober
}

// Server exposes the processes tracked in a PID file directory.
type Server struct {
	router  chi.Router
	api     huma.API
	srv     *http.Server
	port    int
	logger  *slog.Logger
	emitter *EventEmitter

	cfg ServerConfig

	mu         sync.Mutex
	trackers   map[string]*proctrack.Tracker
	finishedAt map[string]time.Time
}

func NewServer(ctx context.Context, config ServerConfig) (*Server, error) {
	logger := logctx.From(ctx)
	if config.Dir == "" {
		config.Dir = proctrack.DefaultDir()
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.Prober == nil {
		config.Prober = proctrack.SystemProber()
	}
	if config.SnapshotInterval == 0 {
		config.SnapshotInterval = 500 * time.Millisecond
	}

	router := chi.NewMux()
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	router.Use(corsMiddleware.Handler)
	router.Use(NewAuthConfig(config.APIKey).AuthMiddleware())

	humaConfig := huma.DefaultConfig("climulti", "1.0.0")
	humaConfig.Info.Description = "HTTP API over a directory of PID files written by independently launched workers."
	api := humachi.New(router, humaConfig)

	s := &Server{
		router:     router,
		api:        api,
		port:       config.Port,
		logger:     logger,
		emitter:    NewEventEmitter(WithClock(config.Clock)),
		cfg:        config,
		trackers:   make(map[string]*proctrack.Tracker),
		finishedAt: make(map[string]time.Time),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	huma.Get(s.api, "/health", s.health, func(o *huma.Operation) {
		o.Description = "Reports that the server is up."
	})
	huma.Get(s.api, "/processes", s.listProcesses, func(o *huma.Operation) {
		o.Description = "Returns every process with a PID file in the served directory."
	})
	huma.Get(s.api, "/processes/{identifier}", s.getProcess, func(o *huma.Operation) {
		o.Description = "Returns the lifecycle status of one process."
	})
	huma.Post(s.api, "/processes/{identifier}/finish", s.finishProcess, func(o *huma.Operation) {
		o.Description = "Removes the PID file and marks the process as finished. Does not signal the OS process."
	})
	sse.Register(s.api, huma.Operation{
		OperationID: "subscribeEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Subscribe to events",
		Description: "The first events are the current process states. Then a status_change event is sent every time a process changes state.",
	}, map[string]any{
		string(EventTypeStatusChange): types.StatusChangeBody{},
		string(EventTypeError):        types.ErrorBody{},
	}, s.subscribeEvents)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) GetOpenAPI() string {
	jsonBytes, err := json.MarshalIndent(s.api.OpenAPI(), "", "  ")
	if err != nil {
		return ""
	}
	return string(jsonBytes)
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", "port", s.port, "dir", s.cfg.Dir)
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// StartSnapshotLoop rescans the PID directory at every interval and emits
// status changes until ctx is done.
func (s *Server) StartSnapshotLoop(ctx context.Context) quartz.Waiter {
	s.Refresh()
	return s.cfg.Clock.TickerFunc(ctx, s.cfg.SnapshotInterval, func() error {
		s.Refresh()
		return nil
	}, "httpapi", "snapshot")
}

// Refresh picks up new PID files and re-evaluates every tracked process.
func (s *Server) Refresh() {
	identifiers, err := proctrack.ListIdentifiers(s.cfg.Fs, s.cfg.Dir)
	if err != nil {
		s.logger.Error("Failed to scan PID directory", "dir", s.cfg.Dir, "error", err)
		s.emitter.EmitError(fmt.Sprintf("failed to scan PID directory: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identifier := range identifiers {
		if _, err := s.trackerLocked(identifier); err != nil {
			s.logger.Warn("Ignoring PID file", "identifier", identifier, "error", err)
		}
	}
	now := s.cfg.Clock.Now()
	for identifier, tracker := range s.trackers {
		p := describe(tracker)
		s.emitter.UpdateStatusAndEmitChanges(identifier, p.Status, p.PID)
		if !p.Finished || s.cfg.ForgetAfter <= 0 {
			continue
		}
		finishedAt, ok := s.finishedAt[identifier]
		if !ok {
			s.finishedAt[identifier] = now
			continue
		}
		if now.Sub(finishedAt) >= s.cfg.ForgetAfter {
			s.forgetLocked(identifier)
		}
	}
}

// Assumes the caller holds the lock.
func (s *Server) forgetLocked(identifier string) {
	if exists, _ := afero.Exists(s.cfg.Fs, proctrack.PidFilePath(s.cfg.Dir, identifier)); exists {
		// An oversized marker is still on disk and would be picked up again.
		return
	}
	delete(s.trackers, identifier)
	delete(s.finishedAt, identifier)
	s.emitter.Forget(identifier)
	s.logger.Debug("Forgot finished process", "identifier", identifier)
}

// lookupLocked returns the tracker for identifier. A tracker is only kept
// once its PID file has been seen, so looking up unknown identifiers does
// not grow the listing. Assumes the caller holds the lock.
func (s *Server) lookupLocked(identifier string) (*proctrack.Tracker, bool, error) {
	if tracker, ok := s.trackers[identifier]; ok {
		return tracker, true, nil
	}
	tracker, err := s.newTracker(identifier)
	if err != nil {
		return nil, false, err
	}
	if !tracker.HasStarted() {
		return tracker, false, nil
	}
	s.trackers[identifier] = tracker
	return tracker, true, nil
}

// Assumes the caller holds the lock.
func (s *Server) trackerLocked(identifier string) (*proctrack.Tracker, error) {
	if tracker, ok := s.trackers[identifier]; ok {
		return tracker, nil
	}
	tracker, err := s.newTracker(identifier)
	if err != nil {
		return nil, err
	}
	s.trackers[identifier] = tracker
	return tracker, nil
}

func (s *Server) newTracker(identifier string) (*proctrack.Tracker, error) {
	return proctrack.New(identifier, proctrack.Config{
		Dir:    s.cfg.Dir,
		Fs:     s.cfg.Fs,
		Clock:  s.cfg.Clock,
		Prober: s.cfg.Prober,
		Logger: s.logger,
	})
}

func convertStatus(status proctrack.Status) types.ProcessStatus {
	switch status {
	case proctrack.StatusNotStarted:
		return types.ProcessStatusNotStarted
	case proctrack.StatusStarting:
		return types.ProcessStatusStarting
	case proctrack.StatusRunning:
		return types.ProcessStatusRunning
	case proctrack.StatusExited:
		return types.ProcessStatusExited
	case proctrack.StatusFinished:
		return types.ProcessStatusFinished
	default:
		panic(fmt.Sprintf("unknown process status: %s", status))
	}
}

func describe(tracker *proctrack.Tracker) types.Process {
	status := tracker.Status()
	pid, _ := tracker.PID()
	return types.Process{
		Identifier: tracker.Identifier(),
		Status:     convertStatus(status),
		PID:        pid,
		Started:    tracker.HasStarted(),
		Running:    status == proctrack.StatusRunning || status == proctrack.StatusStarting,
		Finished:   status == proctrack.StatusFinished,
		AgeSeconds: tracker.SecondsSinceCreation(),
	}
}

func (s *Server) health(ctx context.Context, input *struct{}) (*types.HealthResponse, error) {
	resp := &types.HealthResponse{}
	resp.Body.Status = "ok"
	resp.Body.ProbeSupported = s.cfg.Prober.Supported()
	return resp, nil
}

// listProcesses handles GET /processes
func (s *Server) listProcesses(ctx context.Context, input *struct{}) (*types.ProcessesResponse, error) {
	s.Refresh()

	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &types.ProcessesResponse{}
	resp.Body.Processes = make([]types.Process, 0, len(s.trackers))
	for _, tracker := range s.trackers {
		resp.Body.Processes = append(resp.Body.Processes, describe(tracker))
	}
	sort.Slice(resp.Body.Processes, func(i, j int) bool {
		return resp.Body.Processes[i].Identifier < resp.Body.Processes[j].Identifier
	})
	return resp, nil
}

// getProcess handles GET /processes/{identifier}
func (s *Server) getProcess(ctx context.Context, input *types.ProcessPathInput) (*types.ProcessResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracker, tracked, err := s.lookupLocked(input.Identifier)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	p := describe(tracker)
	if tracked {
		s.emitter.UpdateStatusAndEmitChanges(p.Identifier, p.Status, p.PID)
	}
	return &types.ProcessResponse{Body: p}, nil
}

// finishProcess handles POST /processes/{identifier}/finish
func (s *Server) finishProcess(ctx context.Context, input *types.ProcessPathInput) (*types.ProcessResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracker, tracked, err := s.lookupLocked(input.Identifier)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	if err := tracker.FinishProcess(); err != nil {
		s.logger.Error("Failed to finish process", "identifier", input.Identifier, "error", err)
		return nil, huma.Error500InternalServerError("failed to finish process", err)
	}
	s.logger.Info("Finished process", "identifier", input.Identifier)
	p := describe(tracker)
	if tracked {
		s.emitter.UpdateStatusAndEmitChanges(p.Identifier, p.Status, p.PID)
	}
	return &types.ProcessResponse{Body: p}, nil
}

// subscribeEvents is an SSE endpoint that sends events to the client
func (s *Server) subscribeEvents(ctx context.Context, input *struct{}, send sse.Sender) {
	subscriberId, ch, stateEvents := s.emitter.Subscribe()
	defer s.emitter.Unsubscribe(subscriberId)
	s.logger.Info("New subscriber", "subscriberId", subscriberId)
	for _, event := range stateEvents {
		if err := send.Data(event.Payload); err != nil {
			s.logger.Error("Failed to send event", "subscriberId", subscriberId, "error", err)
			return
		}
	}
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				s.logger.Info("Channel closed", "subscriberId", subscriberId)
				return
			}
			if err := send.Data(event.Payload); err != nil {
				s.logger.Error("Failed to send event", "subscriberId", subscriberId, "error", err)
				return
			}
		case <-ctx.Done():
			s.logger.Info("Context done", "subscriberId", subscriberId)
			return
		}
	}
}
