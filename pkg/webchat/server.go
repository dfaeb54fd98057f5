package webchat

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/promptstorm/pkg/eventbus"
	"github.com/go-go-golems/promptstorm/pkg/framework"
	"github.com/go-go-golems/promptstorm/pkg/ollama"
	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

//go:embed static/*
var staticFS embed.FS

const DefaultIdleTimeout = 2 * time.Minute

// Config wires the server to its collaborators. Client, Store and Bus are
// required.
type Config struct {
	Addr        string
	Client      *ollama.Client
	Store       chatstore.ConversationStore
	Frameworks  *framework.Registry
	Bus         *eventbus.Bus
	IdleTimeout time.Duration
	// StaticFS must contain a static/ directory with index.html. Defaults to
	// the embedded UI.
	StaticFS fs.FS
}

// Server serves the chat page, its websocket and the JSON API.
type Server struct {
	cfg       Config
	formatter *render.HTMLFormatter
	sessions  *SessionManager
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	httpSrv   *http.Server
	cancel    context.CancelFunc
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("ollama client is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation store is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("event bus is nil")
	}
	if cfg.StaticFS == nil {
		cfg.StaticFS = staticFS
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Frameworks == nil {
		reg, err := framework.NewRegistry()
		if err != nil {
			return nil, err
		}
		cfg.Frameworks = reg
	}

	baseCtx, cancel := context.WithCancel(ctx)
	formatter := render.NewHTMLFormatter()
	controller := turn.NewController(cfg.Client, turn.WithLogger(log.With().Str("component", "turn").Logger()))
	sessions, err := NewSessionManager(SessionManagerConfig{
		BaseCtx:     baseCtx,
		Bus:         cfg.Bus,
		Controller:  controller,
		Frameworks:  cfg.Frameworks,
		Formatter:   formatter,
		IdleTimeout: cfg.IdleTimeout,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		formatter: formatter,
		sessions:  sessions,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:       http.NewServeMux(),
		cancel:    cancel,
	}
	s.registerHandlers(s.mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Sessions() *SessionManager { return s.sessions }

// Run serves until ctx is done or the process is interrupted, then shuts the
// HTTP server down and stops every session.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.sessions.Close()
		s.cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Str("ollama", s.cfg.Client.Host()).Str("events", s.cfg.Bus.Backend()).Msg("starting promptstorm server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

// Close stops every session without going through Run.
func (s *Server) Close() {
	s.sessions.Close()
	s.cancel()
}
