package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp-lsp"
	"github.com/MegaGrindStone/go-mcp-lsp/internal/config"
	"github.com/gin-gonic/gin"
)

// ServeCmd runs a server until it is interrupted, or until the stdio peer goes away.
type ServeCmd struct {
	Config     string `help:"Path to a YAML or TOML config file" type:"path"`
	Transport  string `help:"Transport kind: stdio, tcp, websocket, ipc or sse"`
	Addr       string `help:"Address to listen on, or socket path for ipc"`
	StatusAddr string `name:"status-addr" help:"Serve the HTTP status API on this address"`
	LogLevel   string `name:"log-level" help:"Log level: debug, info, warn or error"`
}

const shutdownTimeout = 10 * time.Second

// Run implements the serve command.
func (s *ServeCmd) Run() error {
	cfg, err := s.loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// stdout may carry the stdio wire, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := mcplsp.NewTransport(mcplsp.TransportConfig{
		Kind:    cfg.TransportKind(),
		Address: cfg.Address,
	}, mcplsp.WithTransportLogger(logger))
	if err != nil {
		return err
	}
	srv := newServer(cfg, transport, logger, stop)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	var statusSrv *http.Server
	if cfg.StatusAddress != "" {
		statusSrv = &http.Server{
			Addr:              cfg.StatusAddress,
			Handler:           newStatusRouter(cfg.ServerName, srv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server stopped", slog.String("err", err.Error()))
			}
		}()
		logger.Info("status API listening", slog.String("addr", cfg.StatusAddress))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down status API: %w", err))
		}
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// loadConfig reads the config sources and lets non-empty flags override them.
func (s *ServeCmd) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(s.Config)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag  string
		field *string
	}{
		{s.Transport, &cfg.Transport},
		{s.Addr, &cfg.Address},
		{s.StatusAddr, &cfg.StatusAddress},
		{s.LogLevel, &cfg.LogLevel},
	}
	changed := false
	for _, o := range overrides {
		if o.flag != "" {
			*o.field = o.flag
			changed = true
		}
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newServer builds the server described by cfg on transport. For stdio, the process
// serves a single peer, so onPeerGone is called when it disconnects.
func newServer(cfg *config.Config, transport mcplsp.Transport, logger *slog.Logger, onPeerGone func()) *mcplsp.Server {
	options := []mcplsp.ServerOption{
		mcplsp.WithServerLogger(logger),
		mcplsp.WithServerRequestTimeout(cfg.Timeout()),
		mcplsp.WithTextDocumentSync(cfg.SyncKind()),
		mcplsp.WithServerOnModelRequest(func(conn *mcplsp.Connection, params mcplsp.ModelRequestParams) {
			logger.Info("model request",
				slog.String("connectionID", conn.ID()), slog.String("model", params.Model))
		}),
	}
	if cfg.TransportKind() == mcplsp.TransportStdio {
		options = append(options, mcplsp.WithServerOnDisconnected(func(*mcplsp.Connection) {
			onPeerGone()
		}))
	}

	info := mcplsp.Info{Name: cfg.ServerName, Version: cfg.ServerVersion}
	return mcplsp.NewServer(info, transport, options...)
}

type connectionStatus struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
	Client      string `json:"client,omitempty"`
	Documents   int    `json:"documents"`
}

// newStatusRouter serves read-only views of srv.
func newStatusRouter(name string, srv *mcplsp.Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if srv.Status() != mcplsp.StatusRunning {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": srv.Status()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		conns := srv.Connections()
		statuses := make([]connectionStatus, 0, len(conns))
		for _, conn := range conns {
			statuses = append(statuses, connectionStatus{
				ID:          conn.ID(),
				Initialized: conn.IsInitialized(),
				Client:      conn.ClientInfo().Name,
				Documents:   len(conn.Documents()),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"name":         name,
			"status":       srv.Status(),
			"capabilities": srv.Capabilities(),
			"connections":  statuses,
		})
	})

	return r
}
