package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saker-ai/concierge/internal/app"
	appconfig "github.com/saker-ai/concierge/internal/config"
	apphttp "github.com/saker-ai/concierge/internal/http"
	applogger "github.com/saker-ai/concierge/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Server represents a server.
type Server struct {
	cfg    appconfig.Config
	logger *zap.Logger
	app    *app.App
	server *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New executes the new function.
func New(configPath string, opts ...app.Option) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load concierge config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("concierge logger configured",
		zap.String("level", cfg.Log.Level),
		zap.Bool("stdout", cfg.Log.Stdout),
		zap.Bool("file_enabled", cfg.Log.File.Enabled),
		zap.String("file_path", cfg.Log.File.Path),
	)
	logger.Info("concierge config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("assistant", cfg.Assistant.Endpoint),
	)
	return NewFromConfig(cfg, logger, opts...)
}

// NewFromConfig builds the server from an already loaded configuration.
func NewFromConfig(cfg appconfig.Config, logger *zap.Logger, opts ...app.Option) (*Server, error) {
	logger = applogger.OrNop(logger)
	a, err := app.New(cfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("build concierge: %w", err)
	}
	router := apphttp.NewRouter(a, a.Metrics().Handler(), logger.Named("http"))
	return &Server{
		cfg:    cfg,
		logger: logger,
		app:    a,
		server: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is done or the listener fails, then shuts the server
// and the concierge down.
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		_ = s.app.Close(context.Background())
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.logger.Info("starting http server", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreServerClosed(s.server.Serve(ln))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the bound address once Run is listening, else the configured one.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.server.Addr
}

// Listening reports whether Run has bound its listener.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr != nil
}

// Shutdown stops the HTTP server, hangs up any call and persists the transcript.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	err := ignoreServerClosed(s.server.Shutdown(ctx))
	if closeErr := s.app.Close(ctx); closeErr != nil {
		s.logger.Warn("concierge close failed", zap.Error(closeErr))
		err = errors.Join(err, closeErr)
	}
	return err
}

func ignoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
