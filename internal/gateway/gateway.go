// ABOUTME: Gateway wires storage, conversations, booking and fanout behind one HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), the Redis relay and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/hearth/internal/assistant"
	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/booking"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/fanout"
	"github.com/2389/hearth/internal/mail"
	"github.com/2389/hearth/internal/media"
	"github.com/2389/hearth/internal/notify"
	"github.com/2389/hearth/internal/ratelimit"
	"github.com/2389/hearth/internal/store"
)

// mediaStore is the slice of the uploader the HTTP layer uses.
type mediaStore interface {
	MaxBytes() int64
	Upload(ctx context.Context, tenantID, conversationID string, data []byte, contentType string) (*media.Object, error)
	URL(ctx context.Context, ref string) (string, error)
}

// Gateway owns every long-lived component of a hearth-gateway process.
type Gateway struct {
	config       *config.Config
	store        *store.SQLStore
	sessions     *auth.SessionService
	operators    *auth.JWTVerifier
	conversation *conversation.Service
	booking      *booking.Coordinator
	hub          *fanout.Hub
	mailer       mail.Mailer
	logger       *slog.Logger

	// optional components, nil when not configured
	redis       *redis.Client
	relay       *fanout.RedisRelay
	limiter     *ratelimit.Limiter
	media       mediaStore
	tsnetServer *tsnet.Server

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// initStore opens the configured database. HEARTH_DB_PATH overrides the
// sqlite path.
func initStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	target := cfg.Database.Path
	if cfg.Database.Driver == "mysql" {
		target = cfg.Database.DSN
	} else if envPath := os.Getenv("HEARTH_DB_PATH"); envPath != "" {
		target = envPath
	}

	s, err := store.Open(ctx, cfg.Database.Driver, target)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initMailer publishes to RabbitMQ when a broker is configured and logs
// otherwise.
func initMailer(cfg *config.Config, logger *slog.Logger) mail.Mailer {
	if cfg.Mail.AMQPURL == "" {
		logger.Warn("mail.amqp_url not set - outgoing mail will only be logged")
		return mail.NewLogMailer(logger)
	}
	return mail.NewQueueMailer(cfg.Mail.AMQPURL, cfg.Mail.Queue, logger)
}

// initNotifier combines the escalation channels that are configured.
func initNotifier(cfg *config.Config, mailer mail.Mailer, logger *slog.Logger) (notify.Notifier, error) {
	notifiers := []notify.Notifier{notify.NewMailNotifier(mailer)}
	if cfg.Matrix.Enabled {
		mn, err := notify.NewMatrixNotifier(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken, cfg.Matrix.DefaultRoom)
		if err != nil {
			return nil, fmt.Errorf("creating matrix notifier: %w", err)
		}
		notifiers = append(notifiers, mn)
		logger.Info("matrix escalation notices enabled", "user_id", cfg.Matrix.UserID)
	}
	return notify.NewMulti(logger, notifiers...), nil
}

// New creates a Gateway from configuration, connecting to every configured
// backing service.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	mailer := initMailer(cfg, logger)
	notifier, err := initNotifier(cfg, mailer, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	replier, err := assistant.NewClient(cfg.Assistant.BaseURL, cfg.Assistant.APIKey, cfg.Assistant.Timeout, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating assistant client: %w", err)
	}

	hub := fanout.NewHub(logger)
	sessions := auth.NewSessionService([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL)
	coordinator := booking.NewCoordinator(s, mailer, booking.Options{
		Timeout:          cfg.Booking.Timeout,
		HoldTTL:          cfg.Booking.HoldTTL,
		ScheduleCacheTTL: cfg.Booking.ScheduleCacheTTL,
	}, logger)
	lifecycle := conversation.NewLifecycle(s, notifier, hub, cfg.Conversation.IdleTimeout, logger)
	convService := conversation.New(conversation.Deps{
		Store:     s,
		Sessions:  sessions,
		Lifecycle: lifecycle,
		Assistant: replier,
		Booker:    coordinator,
		Publisher: hub,
	}, conversation.Options{
		HistoryLimit:     cfg.Conversation.HistoryLimit,
		AssistantTimeout: cfg.Assistant.Timeout,
	}, logger)

	g := &Gateway{
		config:       cfg,
		store:        s,
		sessions:     sessions,
		operators:    auth.NewJWTVerifier(cfg.OperatorSigningSecret()),
		conversation: convService,
		booking:      coordinator,
		hub:          hub,
		mailer:       mailer,
		redis:        rdb,
		logger:       logger.With("component", "gateway"),
	}

	if rdb != nil {
		g.relay = fanout.NewRedisRelay(rdb, cfg.Redis.ChannelPrefix, logger)
		hub.SetRelay(g.relay)
		logger.Info("redis fanout relay enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.RateLimit.Enabled && rdb != nil {
		g.limiter = ratelimit.New(rdb, ratelimit.Config{
			Capacity:       cfg.RateLimit.Capacity,
			RefillTokens:   cfg.RateLimit.RefillTokens,
			RefillInterval: cfg.RateLimit.RefillInterval,
			Prefix:         cfg.RateLimit.Prefix,
		}, logger)
		logger.Info("rate limiting enabled", "capacity", cfg.RateLimit.Capacity)
	}

	if cfg.Uploads.Enabled {
		uploader, err := media.NewUploader(media.Config{
			Bucket:    cfg.Uploads.Bucket,
			Region:    cfg.Uploads.Region,
			Endpoint:  cfg.Uploads.Endpoint,
			AccessKey: cfg.Uploads.AccessKey,
			SecretKey: cfg.Uploads.SecretKey,
			PathStyle: cfg.Uploads.PathStyle,
			MaxBytes:  cfg.Uploads.MaxBytes,
			URLTTL:    cfg.Uploads.URLTTL,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating media uploader: %w", err)
		}
		g.media = uploader
		logger.Info("media uploads enabled", "bucket", cfg.Uploads.Bucket)
	}

	g.upgrader = newUpgrader(cfg.Server.AllowedOrigins)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// newUpgrader accepts websocket origins from the allow list, or any origin
// when the list is empty.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return slices.Contains(allowed, r.Header.Get("Origin"))
		},
	}
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is canceled, then shuts down gracefully.
// Returns nil on graceful shutdown, or the server error that stopped it.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if g.relay != nil {
		go func() {
			if err := g.relay.Run(relayCtx, g.hub); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("fanout relay: %w", err)
			}
		}()
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopRelay()
	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "hearth-gateway", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and listens on it.
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
	g.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	// closes live connections still attached to rooms
	g.hub.Close()

	if c, ok := g.mailer.(io.Closer); ok {
		errs = appendCloseError(errs, "mailer close", c.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database (and Redis, if configured)
// answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness: database unreachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			g.logger.Warn("readiness: redis unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live rooms)", g.hub.RoomCount())
}
