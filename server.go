package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/scalecode-solutions/mvirc/config"
	"github.com/scalecode-solutions/mvirc/middleware"
	"github.com/scalecode-solutions/mvirc/plugin"
	"golang.org/x/sync/errgroup"
)

// Server accepts IRC connections on TCP, TLS and WebSocket listeners.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	sessions sessionConfig
	upgrader websocket.Upgrader
	origins  *middleware.Origins
	slots    chan struct{}
	log      *slog.Logger
}

// NewServer creates a new server.
func NewServer(cfg *config.Config, hub *Hub, dispatcher *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := middleware.NewOrigins(cfg.Server.AllowedOrigins)
	s := &Server{
		cfg: cfg,
		hub: hub,
		sessions: sessionConfig{
			hub:          hub,
			dispatcher:   dispatcher,
			serverName:   cfg.Server.Name,
			pingInterval: cfg.Server.PingInterval,
			sendQueue:    cfg.Limits.SendQueue,
			log:          logger.With("component", "session"),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		origins: origins,
		slots:   make(chan struct{}, cfg.Limits.MaxConnections),
		log:     logger.With("component", "server"),
	}
	return s
}

// Handler builds the HTTP surface: health, the WebSocket gateway and plugin
// routes, wrapped in CORS and panic recovery.
func (s *Server) Handler(plugins *plugin.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/irc", s.handleWebSocket)
	if plugins != nil {
		plugins.RegisterRoutes(mux)
	}

	cors := middleware.CORS(middleware.CORSConfig{
		Origins:        s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400, // 24 hours
	})
	return middleware.Chain(mux, middleware.Recover(s.log), cors)
}

// Serve runs every configured listener until ctx is cancelled or one of
// them fails.
func (s *Server) Serve(ctx context.Context, handler http.Handler) error {
	var listeners []net.Listener
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}

	plain, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	listeners = append(listeners, plain)

	var secure net.Listener
	if s.cfg.Server.TLSListen != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Path(s.cfg.Server.TLSCert), s.cfg.Path(s.cfg.Server.TLSKey))
		if err != nil {
			closeAll()
			return fmt.Errorf("load tls keypair: %w", err)
		}
		secure, err = tls.Listen("tcp", s.cfg.Server.TLSListen, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			closeAll()
			return fmt.Errorf("listen %s: %w", s.cfg.Server.TLSListen, err)
		}
		listeners = append(listeners, secure)
	}

	var httpServer *http.Server
	var web net.Listener
	if s.cfg.Server.WSListen != "" {
		web, err = net.Listen("tcp", s.cfg.Server.WSListen)
		if err != nil {
			closeAll()
			return fmt.Errorf("listen %s: %w", s.cfg.Server.WSListen, err)
		}
		httpServer = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	s.log.Info("listening", "addr", plain.Addr().String(), "tls", false)
	g.Go(func() error { return s.acceptLoop(gctx, plain, false) })
	if secure != nil {
		s.log.Info("listening", "addr", secure.Addr().String(), "tls", true)
		g.Go(func() error { return s.acceptLoop(gctx, secure, true) })
	}
	if httpServer != nil {
		s.log.Info("listening", "addr", web.Addr().String(), "websocket", true)
		g.Go(func() error {
			if err := httpServer.Serve(web); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		closeAll()
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("http shutdown", "error", err)
				httpServer.Close()
			}
		}
		return nil
	})

	return g.Wait()
}

// acceptLoop accepts connections until ln is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, secure bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn("accept", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.acquire() {
			s.log.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.Write([]byte("ERROR :Closing Link: Too many connections\r\n"))
			conn.Close()
			continue
		}
		go func() {
			defer s.release()
			sess := NewSession(s.sessions, newTCPConn(conn), remoteHost(conn.RemoteAddr().String()), secure)
			sess.Run(ctx)
		}()
	}
}

// handleWebSocket upgrades HTTP to WebSocket and runs a session over it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := NewSession(s.sessions, newWSConn(conn), remoteHost(r.RemoteAddr), r.TLS != nil)
	// Run the session (blocks until session closes)
	sess.Run(r.Context())
}

// handleHealth is a simple health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"sessions":   s.hub.SessionCount(),
		"registered": s.hub.RegisteredCount(),
	})
}

func (s *Server) acquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	<-s.slots
}

// remoteHost strips the port from a remote address.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
