// ABOUTME: Gateway orchestrator that wires the store, presence registry, fan-out and agents
// ABOUTME: Owns the HTTP server lifecycle (TCP or tailnet) and the health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/coven-rooms/internal/agent"
	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/completion"
	"github.com/2389/coven-rooms/internal/config"
	"github.com/2389/coven-rooms/internal/conversation"
	"github.com/2389/coven-rooms/internal/dedupe"
	"github.com/2389/coven-rooms/internal/mcp"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/presence"
	"github.com/2389/coven-rooms/internal/store"
	"github.com/2389/coven-rooms/internal/toolproto"
)

const (
	// Version is reported to tool agents and the system MCP server.
	Version = "1.0.0"

	startupTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Gateway coordinates the chat relay: rooms, live subscribers and agents.
type Gateway struct {
	config       *config.Config
	store        store.Store
	metrics      *metrics.Metrics
	registry     *presence.Registry
	fanout       *conversation.Fanout
	dedupe       *dedupe.Cache
	conversation *conversation.Service
	tools        *toolproto.Connector
	agentManager *agent.Manager
	joinWatcher  *agent.JoinWatcher
	mcpServer    *mcp.Server
	verifier     *auth.JWTVerifier
	limiter      *userLimiter
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	keepalive time.Duration

	// requests derive from baseCtx so Shutdown can end open event streams
	baseCtx    context.Context
	cancelBase context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		s, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:      cfg.Database.MongoURI,
			Database: cfg.Database.MongoDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("opening mongo store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	}
}

// New creates a Gateway from configuration, opening the store and the
// completion client and starting every configured agent.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	completer := completion.NewOpenAIClient(completion.Options{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		Logger:     logger,
	})

	logger.Info("completion client configured", "base_url", cfg.LLM.BaseURL, "model", completer.Model())

	gw, err := build(ctx, cfg, s, completer, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// build wires every component around an open store. The store is owned by
// the returned Gateway.
func build(ctx context.Context, cfg *config.Config, s store.Store, completer completion.Completer, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	m := metrics.New()

	registry := presence.NewRegistry(presence.Options{
		QueueSize:       cfg.Delivery.SubscriberBuffer,
		EnterRoomBuffer: cfg.Delivery.EnterRoomBuffer,
		Drops:           m,
		Logger:          logger,
	})
	fanout := conversation.NewFanout(conversation.FanoutOptions{
		QueueSize: cfg.Delivery.AgentBuffer,
		Drops:     m,
		Logger:    logger,
	})
	dedupeCache := dedupe.New(cfg.Idempotency.TTL, cfg.Idempotency.MaxKeys)

	convService := conversation.New(s, registry, fanout, logger,
		conversation.WithIdempotency(dedupeCache),
		conversation.WithMetrics(m),
	)

	tools := toolproto.NewConnector(toolproto.Options{
		Transport:  cfg.Tools.Transport,
		Timeout:    cfg.Tools.Timeout,
		ClientName: "coven-rooms",
		Version:    Version,
		Logger:     logger,
	})

	mcpServer := mcp.New(s, logger)

	agentMgr := agent.NewManager(agent.ManagerOptions{
		Events: fanout,
		Users:  s,
		Worker: agent.WorkerDeps{
			Rooms:     s,
			Tools:     tools,
			Completer: completer,
			Sender:    convService,
			Metrics:   m,
			Logger:    logger,
		},
		ToolConcurrency: cfg.Tools.MaxConcurrency,
		Logger:          logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        s,
		metrics:      m,
		registry:     registry,
		fanout:       fanout,
		dedupe:       dedupeCache,
		conversation: convService,
		tools:        tools,
		agentManager: agentMgr,
		joinWatcher:  agent.NewJoinWatcher(s, agentMgr, registry.EnterRoomEvents(), logger),
		mcpServer:    mcpServer,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
		keepalive:    defaultKeepalive,
	}
	if cfg.RateLimit.Enabled {
		gw.limiter = newUserLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}

	if err := gw.registerAgents(ctx); err != nil {
		gw.closeComponents()
		return nil, err
	}

	m.Gauges(registry.RoomCount, agentMgr.Count)

	gw.baseCtx, gw.cancelBase = context.WithCancel(context.Background())
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gw.baseCtx },
	}

	return gw, nil
}

// registerAgents starts a worker for every configured agent.
func (g *Gateway) registerAgents(ctx context.Context) error {
	for _, ac := range g.config.Agents {
		spec := agent.Spec{
			Name:            ac.Name,
			SystemPrompt:    ac.SystemPrompt,
			AutoJoin:        ac.AutoJoin,
			HistoryWindow:   agent.DefaultHistoryWindow,
			ReactionTimeout: ac.ReactionTimeout,
		}
		if ac.HistoryWindow != nil {
			spec.HistoryWindow = *ac.HistoryWindow
		}
		if ac.SystemTools {
			spec.ExtraTools = g.mcpServer.CompletionTools()
		}
		if _, err := g.agentManager.Register(ctx, spec); err != nil {
			return fmt.Errorf("registering agent %q: %w", ac.Name, err)
		}
	}
	return nil
}

// setupTCPListener creates the plain TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener picks the tailnet or TCP listener.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves HTTP and watches room entries until ctx is cancelled, then
// shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := g.joinWatcher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		return g.gracefulShutdown()
	})

	g.logger.Info("=== GATEWAY STARTED ===",
		"addr", ln.Addr().String(),
		"agents", g.agentManager.Count())

	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context since the run
// context is already cancelled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-rooms", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on port 80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	if status != nil && status.Self != nil {
		g.logger.Info("tailscale node ready",
			"hostname", tsCfg.Hostname,
			"dns_name", status.Self.DNSName,
			"ips", status.TailscaleIPs)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops agents and closes queues. Workers go first so no
// reply is sent into a closed registry.
func (g *Gateway) closeComponents() {
	g.agentManager.Close()
	g.fanout.Close()
	g.registry.Close()
	g.dedupe.Close()
}

// Shutdown stops the HTTP server, every agent and the store. Later calls
// return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.cancelBase()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.closeComponents()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("=== GATEWAY STOPPED ===")
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.agentManager.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}
