package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
	"github.com/vevoly/Atomicio-sub001/internal/cluster/kafkabus"
	"github.com/vevoly/Atomicio-sub001/internal/cluster/membus"
	"github.com/vevoly/Atomicio-sub001/internal/cluster/natsbus"
	"github.com/vevoly/Atomicio-sub001/internal/cluster/rabbitbus"
	"github.com/vevoly/Atomicio-sub001/internal/cluster/redisbus"
	"github.com/vevoly/Atomicio-sub001/internal/metrics"
	"github.com/vevoly/Atomicio-sub001/internal/pipeline"
	"github.com/vevoly/Atomicio-sub001/internal/server/middleware"
	"github.com/vevoly/Atomicio-sub001/pkg/auth"
	"github.com/vevoly/Atomicio-sub001/pkg/config"
	"github.com/vevoly/Atomicio-sub001/pkg/group"
	"github.com/vevoly/Atomicio-sub001/pkg/idgen"
	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
	"github.com/vevoly/Atomicio-sub001/pkg/session/sessionmanager"
	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

// Options inject application-level behavior. Zero values select the built-in
// defaults driven by configuration: static or JWT authentication, the JSON
// forwarding dispatcher and the in-memory group store.
type Options struct {
	Authenticator auth.Authenticator
	Dispatcher    pipeline.Dispatcher
	Groups        group.Resolver
}

type App struct {
	logger        *slog.Logger
	config        *config.Config
	registry      session.Registry
	codecs        *protocol.Registry
	groups        group.Resolver
	bus           cluster.Bus
	router        *cluster.Router
	authenticator auth.Authenticator
	dispatcher    pipeline.Dispatcher
	metrics       *metrics.Metrics
	http          *http.Server
	listener      net.Listener
	wg            sync.WaitGroup

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, opts Options) (*App, error) {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := sessionmanager.New(cfg.NodeID, idgen.UUID{}, logger)

	codecs := protocol.NewRegistry()
	codecs.Register("text", protocol.TextFactory(cfg.Transport.MaxFrameText))
	codecs.Register("binary", protocol.BinaryFactory(cfg.Transport.MaxFrameBinary))
	codecs.SetDefault(cfg.Server.Protocol)
	if _, err := codecs.Resolve(""); err != nil {
		return nil, err
	}

	groups := opts.Groups
	if groups == nil {
		groups = group.NewStore(logger)
	}

	bus, err := newBus(cfg, logger)
	if err != nil {
		return nil, err
	}
	directory := cluster.NewDirectory(logger)
	router := cluster.NewRouter(cfg.NodeID, registry, directory, groups, bus, m, logger)

	authenticator := opts.Authenticator
	if authenticator == nil {
		switch cfg.Server.Auth.Mode {
		case "jwt":
			if cfg.Server.Auth.JWTSecret == "" {
				return nil, errors.New("auth mode jwt requires server.auth.jwtSecret")
			}
			authenticator = &auth.JWT{Secret: cfg.Server.Auth.JWTSecret}
		default:
			authenticator = &auth.Static{Users: cfg.Server.Auth.Users}
		}
	}

	app := &App{
		logger:        logger,
		config:        cfg,
		registry:      registry,
		codecs:        codecs,
		groups:        groups,
		bus:           bus,
		router:        router,
		authenticator: authenticator,
		metrics:       m,
		ctx:           rootCtx,
	}

	app.dispatcher = opts.Dispatcher
	if app.dispatcher == nil {
		app.dispatcher = NewForwardDispatcher(router, logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(logger, cfg.Server.MaxConnsPerIP),
		),
	)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	app.http = &http.Server{
		Addr:    cfg.Server.HTTPAddress,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}
	return app, nil
}

// newBus selects the broker adapter. A disabled or unrecognized cluster type
// falls back to the in-process bus, which keeps the router wiring identical
// on single-node deployments.
func newBus(cfg *config.Config, logger *slog.Logger) (cluster.Bus, error) {
	if !cfg.Cluster.Enabled {
		return membus.New(), nil
	}
	switch t := cluster.ParseClusterType(cfg.Cluster.Type); t {
	case cluster.TypeRedis:
		return redisbus.New(redisbus.Config{
			Addr:     cfg.Cluster.Redis.Addr,
			Password: cfg.Cluster.Redis.Password,
			DB:       cfg.Cluster.Redis.DB,
		}, logger)
	case cluster.TypeNATS:
		return natsbus.New(natsbus.Config{
			URL:  cfg.Cluster.NATS.URL,
			Name: cfg.NodeID,
		}, logger)
	case cluster.TypeKafka:
		return kafkabus.New(kafkabus.Config{
			Brokers:     cfg.Cluster.Kafka.Brokers,
			GroupPrefix: cfg.Cluster.Kafka.GroupPrefix,
			NodeID:      cfg.NodeID,
		}, logger)
	case cluster.TypeRabbitMQ:
		return rabbitbus.New(rabbitbus.Config{URL: cfg.Cluster.RabbitMQ.URL}, logger)
	case cluster.TypeRocketMQ:
		return nil, fmt.Errorf("cluster type %q has no broker adapter", t)
	default:
		logger.Warn("Unrecognized cluster type, running unclustered",
			slog.String("type", cfg.Cluster.Type))
		return membus.New(), nil
	}
}

// Router exposes the cluster router so embedders can push envelopes from
// outside the connection pipeline.
func (a *App) Router() *cluster.Router { return a.router }

// Registry exposes the session registry.
func (a *App) Registry() session.Registry { return a.registry }

func (a *App) Run() error {
	if err := a.router.Start(a.ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.config.Server.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.config.Server.Address, err)
	}
	a.listener = ln

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		return a.acceptLoop(ctx, ln)
	})
	g.Go(func() error {
		a.logger.Info("HTTP server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.sweepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) acceptLoop(ctx context.Context, ln net.Listener) error {
	a.logger.Info("Socket listener started", slog.String("addr", ln.Addr().String()))
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conn := transport.NewTCPConn(a.ctx, &a.wg, raw,
			transport.Config{ReaderIdle: a.config.Transport.ReaderIdle}, a.logger)
		a.attach(conn, a.config.Server.Protocol)
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr
	if reqMeta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
		remote = reqMeta.IP
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewWSConn(a.ctx, &a.wg, wsConn, remote,
		transport.Config{ReaderIdle: a.config.Transport.ReaderIdle}, a.logger)

	// Websocket clients may pick their codec per connection.
	name := r.URL.Query().Get("protocol")
	if name == "" {
		name = a.config.Server.Protocol
	}
	if !a.attach(conn, name) {
		return
	}
	// Hold the handler open so the connection limiter tracks the whole
	// connection lifetime, not just the upgrade.
	<-conn.Done()
}

// attach runs the shared per-connection setup: codec resolution, session
// registration and pipeline wiring. It reports whether the connection went
// live.
func (a *App) attach(conn transport.Conn, protocolName string) bool {
	a.metrics.ConnectionsAccepted.Inc()

	codec, err := a.codecs.Resolve(protocolName)
	if err != nil {
		a.logger.Warn("Rejecting connection", slog.Any("error", err))
		conn.Close(err)
		return false
	}
	sess, err := a.registry.Register(conn)
	if err != nil {
		a.logger.Error("Failed to register session", slog.Any("error", err))
		conn.Close(err)
		return false
	}
	a.metrics.ActiveSessions.Inc()
	go func() {
		<-conn.Done()
		a.metrics.ActiveSessions.Dec()
	}()

	pipeline.Attach(a.ctx, conn, codec, sess, a.registry, a.authenticator, a.dispatcher, a.metrics, a.logger)
	conn.Run()
	a.logger.Debug("Connection established",
		slog.String("sessionID", sess.ID),
		slog.String("remoteAddr", conn.RemoteAddr()))
	return true
}

// sweepLoop reaps sessions whose connections went quiet past the transport's
// own idle deadline, catching anything the read deadline missed.
func (a *App) sweepLoop(ctx context.Context) {
	interval := a.config.Server.SweepInterval
	maxIdle := a.config.Transport.ReaderIdle * 3
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.registry.SweepIdle(maxIdle); n > 0 {
				a.metrics.SessionsEvicted.Add(float64(n))
				a.logger.Info("Idle sessions evicted", slog.Int("count", n))
			}
		}
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}
	if a.listener != nil {
		a.listener.Close()
	}

	a.router.Stop()

	a.logger.Info("Closing all active connections...")
	for _, sess := range a.registry.All() {
		sess.Conn.Close(errors.New("graceful shutdown"))
	}
	a.wg.Wait()

	if err := a.bus.Close(); err != nil {
		a.logger.Error("Cluster bus close failed", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
