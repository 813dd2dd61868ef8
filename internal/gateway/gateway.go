// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC servers
// ABOUTME: Wires store, broker, fan-out, realtime hub, persona and blob storage

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/parlor-gateway/internal/auth"
	"github.com/2389/parlor-gateway/internal/blob"
	"github.com/2389/parlor-gateway/internal/broker"
	"github.com/2389/parlor-gateway/internal/broker/kafka"
	"github.com/2389/parlor-gateway/internal/config"
	"github.com/2389/parlor-gateway/internal/conversation"
	"github.com/2389/parlor-gateway/internal/dedupe"
	"github.com/2389/parlor-gateway/internal/delivery"
	"github.com/2389/parlor-gateway/internal/persona"
	"github.com/2389/parlor-gateway/internal/realtime"
	"github.com/2389/parlor-gateway/internal/render"
	"github.com/2389/parlor-gateway/internal/store"
)

const storeConnectTimeout = 10 * time.Second

// Gateway orchestrates the parlor-gateway server components.
type Gateway struct {
	config        *config.Config
	store         store.Store
	conversations *conversation.Service
	assistant     *persona.Bridge
	blobs         blob.Store
	markdown      *render.Markdown
	resolver      *auth.JWTResolver
	validate      *validator.Validate

	hub       *realtime.Hub
	fanout    *delivery.Fanout
	seen      *dedupe.Cache
	publisher broker.Publisher
	consumer  *kafka.Consumer

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance on the broker
	serverID string
}

// components are the pluggable backends New builds from config.
type components struct {
	store     store.Store
	publisher broker.Publisher
	blobs     blob.Store
	provider  persona.CompletionProvider
}

// initStore creates the store selected by database.driver.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		defer cancel()
		s, err := store.NewMongoStore(ctx, cfg.Database.MongoURI, cfg.Database.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("PARLOR_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initPublisher creates the broker publisher selected by broker.kind.
func initPublisher(cfg *config.Config, logger *slog.Logger) (broker.Publisher, error) {
	if cfg.Broker.Kind != "kafka" {
		return broker.NewMemory(logger), nil
	}
	p, err := kafka.NewProducer(cfg.Broker.Brokers, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing kafka producer: %w", err)
	}
	return p, nil
}

// initBlobStore returns the attachment store, or a store that rejects
// uploads when no endpoint is configured.
func initBlobStore(cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	if cfg.Blob.Endpoint == "" {
		logger.Info("attachment storage disabled - no blob.endpoint configured")
		return blob.NoopStore{}, nil
	}
	s, err := blob.NewMinioStore(blob.MinioConfig{
		Endpoint:      cfg.Blob.Endpoint,
		UseSSL:        cfg.Blob.UseSSL,
		AccessKey:     cfg.Blob.AccessKey,
		SecretKey:     cfg.Blob.SecretKey,
		Bucket:        cfg.Blob.Bucket,
		PublicBaseURL: cfg.Blob.PublicBaseURL,
		Limits:        blob.Limits{MaxSize: cfg.Blob.MaxSize, AllowedTypes: cfg.Blob.AllowedTypes},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing blob store: %w", err)
	}
	return s, nil
}

// initProvider returns the completion provider, or nil when the persona is disabled.
func initProvider(cfg *config.Config) (persona.CompletionProvider, error) {
	if !cfg.Persona.Enabled {
		return nil, nil
	}
	mc := persona.ModelConfig{
		Backend:     cfg.Persona.Backend,
		Model:       cfg.Persona.Model,
		APIKey:      cfg.Persona.APIKey,
		BaseURL:     cfg.Persona.BaseURL,
		Temperature: cfg.Persona.Temperature,
		MaxTokens:   cfg.Persona.MaxTokens,
	}
	model, err := persona.NewModel(mc)
	if err != nil {
		return nil, fmt.Errorf("initializing completion model: %w", err)
	}
	return persona.NewLLMProvider(model, mc), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	pub, err := initPublisher(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	blobs, err := initBlobStore(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	provider, err := initProvider(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw := newGateway(cfg, components{store: s, publisher: pub, blobs: blobs, provider: provider}, logger)

	if cfg.Broker.Kind == "kafka" {
		gw.consumer, err = kafka.NewConsumer(cfg.Broker.Brokers, consumerGroupID(cfg.Broker.GroupID, gw.serverID), nil, gw.fanout.Relay(), logger)
		if err != nil {
			_ = gw.Shutdown(context.Background())
			return nil, fmt.Errorf("initializing kafka consumer: %w", err)
		}
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	return gw, nil
}

// newGateway wires the components into services and routes.
func newGateway(cfg *config.Config, c components, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	serverID := generateServerID()

	gw := &Gateway{
		config:    cfg,
		store:     c.store,
		blobs:     c.blobs,
		publisher: c.publisher,
		markdown:  render.NewMarkdown(),
		resolver:  auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		hub:       realtime.NewHub(logger),
		seen:      dedupe.New(cfg.Delivery.DedupeWindow, cfg.Delivery.DedupeSize),
		health:    health.NewServer(),
		logger:    logger.With("component", "gateway"),
		serverID:  serverID,
	}
	if gw.blobs == nil {
		gw.blobs = blob.NoopStore{}
	}

	gw.fanout = delivery.NewFanout(c.publisher, gw.hub, gw.seen, delivery.Config{
		MessageTopic:        cfg.Broker.MessageTopic,
		ReceiptTopic:        cfg.Broker.ReceiptTopic,
		PushTimeout:         cfg.Delivery.PushTimeout,
		PublishTimeout:      cfg.Delivery.PublishTimeout,
		MaxConcurrentPushes: cfg.Delivery.MaxConcurrentPushes,
		Origin:              serverID,
	}, logger)

	// The in-process broker loops events back through the relay, the same
	// path remote instances take.
	if mem, ok := c.publisher.(*broker.Memory); ok {
		for _, topic := range gw.fanout.Topics() {
			mem.Subscribe(topic, gw.fanout.Relay())
		}
	}

	gw.conversations = conversation.New(c.store, gw.fanout, logger)

	if c.provider != nil {
		gw.assistant = persona.NewBridge(gw.conversations, c.provider, persona.Config{
			PersonaID:         cfg.Persona.ID,
			DisplayName:       cfg.Persona.DisplayName,
			HistoryWindow:     cfg.Persona.HistoryWindow,
			SystemPrompt:      cfg.Persona.SystemPrompt,
			Timeout:           cfg.Persona.Timeout,
			RequestsPerMinute: cfg.Persona.RequestsPerMinute,
			Burst:             cfg.Persona.Burst,
		}, logger)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	// The websocket endpoint authenticates before upgrading.
	mux.Handle("GET /ws", realtime.NewHandler(gw.hub, gw.resolver, realtime.Options{
		OriginPatterns: cfg.Server.OriginPatterns,
	}, logger))

	mux.Handle("/api/", auth.Middleware(gw.resolver, gw.denyUnauthenticated)(gw.apiRoutes()))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.health.SetServingStatus("", healthpbServing)
	return gw
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Resolver returns the identity resolver, which also mints tokens.
func (g *Gateway) Resolver() *auth.JWTResolver {
	return g.resolver
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"server_id", g.serverID,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// startServers starts the servers and the broker consumer in goroutines,
// returning the error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.consumer != nil {
		go func() {
			if err := g.consumer.Run(ctx, g.fanout.Topics()); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	go g.watchStore(ctx)

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.hub.Close()

	if g.consumer != nil {
		errs = appendCloseError(errs, "kafka consumer close", g.consumer.Close())
	}
	if closer, ok := g.publisher.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "broker close", closer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.seen.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", g.serverID)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "parlor-gateway"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// consumerGroupID scopes the Kafka group to one instance. Every instance must
// read every partition because its relay only reaches its own sessions.
func consumerGroupID(prefix, serverID string) string {
	return prefix + "-" + serverID
}
