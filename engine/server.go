package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Version can be set before starting the server.
var Version = "1.0.0"

// Server wires the registry, tick loop, WebSocket hub, settlement and HTTP
// API into one HTTP server.
type Server struct {
	Registry  *Registry
	Scheduler *Scheduler
	Hub       *Hub
	Settler   *Settler
	API       *API
	Metrics   *Metrics

	// StaticDir, when set, is served at / (the web client).
	StaticDir string

	prom       *prometheus.Registry
	log        zerolog.Logger
	startTime  time.Time
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
}

// NewServer creates a new server with the given match configuration. A nil
// payments provider disables transfers.
func NewServer(cfg Config, payments Payments, logger zerolog.Logger) *Server {
	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(prom)

	reg := NewRegistry(cfg, metrics, logger)
	hub := NewHub(reg, logger)
	settler := NewSettler(reg, payments, metrics, logger)

	return &Server{
		Registry:  reg,
		Scheduler: NewScheduler(reg, hub, settler.SettleFinished, metrics, logger),
		Hub:       hub,
		Settler:   settler,
		API:       NewAPI(reg, settler, payments, hub, logger),
		Metrics:   metrics,
		prom:      prom,
		log:       logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}
}

// Handler returns the HTTP routes without starting anything.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.StaticDir)))
	}

	s.API.Register(mux)

	mux.HandleFunc("/ws", s.Hub.HandleWS)

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		HandleStats(s, w, r)
	})

	mux.HandleFunc("/dashboard", HandleDashboard)

	mux.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	return mux
}

func (s *Server) logStartup(addr string) {
	s.log.Info().Str("version", Version).Msg("Schlangen.TV duel server starting")
	s.log.Info().Msgf("Listening on http://%s", addr)
	s.log.Info().Msgf("WebSocket: ws://%s/ws", addr)
	s.log.Info().Msgf("Dashboard: http://%s/dashboard", addr)
}

// Start starts the tick loop and HTTP server in the background (non-blocking).
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Scheduler.Start(ctx)
	go s.Settler.Reap(ctx, s.reapInterval())
	s.logStartup(addr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// ListenAndServe runs the tick loop, the HTTP server and the periodic stats
// log until ctx is cancelled or one of them fails.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logStartup(addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Scheduler.Run(ctx)
	})
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.logStats(ctx, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		s.Settler.Reap(ctx, s.reapInterval())
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	// Let settlements started by the final ticks complete.
	s.Scheduler.Stop()
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.Scheduler.Stop()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// reapInterval checks for expired results a few times per grace period.
func (s *Server) reapInterval() time.Duration {
	return max(s.Registry.Config().ResultGrace/4, time.Second)
}

// GetStatsJSON returns the current stats as a JSON string.
func (s *Server) GetStatsJSON() string {
	snap := s.GetStats()
	b, _ := json.Marshal(snap)
	return string(b)
}

func (s *Server) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.GetStats()
			s.log.Info().
				Str("uptime", snap.Uptime).
				Int("waiting", snap.Waiting).
				Int("matches", snap.ActiveMatches).
				Int("connections", snap.Connections).
				Float64("avgTickMs", snap.AvgTickMs).
				Float64("maxTickMs", snap.MaxTickMs).
				Msg("Stats")
		}
	}
}
