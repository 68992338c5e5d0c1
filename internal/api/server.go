package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/infn-epics/pshal/internal/beamline"
	"github.com/infn-epics/pshal/internal/history"
	"github.com/infn-epics/pshal/internal/infrastructure/config"
	"github.com/infn-epics/pshal/internal/infrastructure/logging"
	"github.com/infn-epics/pshal/internal/powersupply"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultWaitTimeout applies to wait requests without a timeout when Deps
// does not set one.
const defaultWaitTimeout = 60 * time.Second

// HistoryStore is the read side of the transition history.
type HistoryStore interface {
	Find(ctx context.Context, q history.Query) ([]powersupply.Transition, error)
}

// ConnectionStatus reports broker connectivity. Satisfied by *mqtt.Client.
type ConnectionStatus interface {
	IsConnected() bool
}

// DBStats exposes connection pool statistics. Satisfied by *database.DB.
type DBStats interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Fleet   *beamline.Fleet
	History HistoryStore     // optional; history endpoints return 503 without it
	MQTT    ConnectionStatus // optional, metrics only
	DB      DBStats          // optional, metrics only

	// WaitTimeout is the default and upper bound for wait requests.
	WaitTimeout time.Duration
	Version     string
}

// Server is the operator HTTP API: supply status and commands, transition
// history, I/O points and a WebSocket event stream.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	fleet       *beamline.Fleet
	history     HistoryStore
	mqtt        ConnectionStatus
	db          DBStats
	waitTimeout time.Duration
	version     string
	startTime   time.Time
	limiter     *rate.Limiter

	mu          sync.Mutex
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("fleet is required")
	}
	wait := deps.WaitTimeout
	if wait <= 0 {
		wait = defaultWaitTimeout
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		fleet:       deps.Fleet,
		history:     deps.History,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		waitTimeout: wait,
		version:     deps.Version,
		startTime:   time.Now(),
	}
	if rl := deps.Config.RateLimit; rl.Enabled && rl.RequestsPerMinute > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60), burst)
	}
	return s, nil
}

// Start starts the WebSocket hub, relays fleet events to it and launches
// the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)
	s.relayFleetEvents()

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		s.logger.Info("API server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// relayFleetEvents broadcasts every fleet event on the channel named by
// its type.
func (s *Server) relayFleetEvents() {
	s.unsubscribe = s.fleet.Subscribe(func(ev beamline.Event) {
		s.hub.Broadcast(ev.Type, ev)
	})
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
