// Package app wires the fern service together: stores, cache, breakers, probes, the background queue,
// the orchestrator and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/db/pg"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/availability"
	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notify"
	"github.com/Ramsey-B/fern/pkg/probe"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// Version is reported by the health endpoints
var Version = "dev"

// App holds every long-lived component of the process
type App struct {
	Config *config.Config
	Logger ectologger.Logger

	DB           database.DB
	Redis        *redis.Client
	Registry     *integrations.Registry
	Breakers     *breaker.Registry
	Cache        *cache.Cache
	Executor     *probe.Executor
	Queue        *queue.Queue
	Processor    *queue.Processor
	Scheduler    *scheduler.Scheduler
	Hub          *notify.Hub
	Kafka        *notify.KafkaSink
	Orchestrator *availability.Orchestrator
	Health       *health.Checker
	Echo         *echo.Echo

	verifier       middleware.TokenVerifier
	tracerProvider *sdktrace.TracerProvider
	startup        *startup.Startup
	server         *http.Server
	serverErr      chan error
}

// New loads the integration registry and sets up tracing. Nothing is connected yet.
func New(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (*App, error) {
	registry, err := loadRegistry(cfg.IntegrationsFile)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Hub:       notify.NewHub(logger),
		Health:    health.NewChecker(Version),
		serverErr: make(chan error, 1),
	}

	if err := a.setupTracing(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func loadRegistry(path string) (*integrations.Registry, error) {
	if path == "" {
		return integrations.Default()
	}
	return integrations.Load(path)
}

func (a *App) setupTracing(ctx context.Context) error {
	var exporter sdktrace.SpanExporter
	if a.Config.OTLPEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: a.Config.OTLPEndpoint,
			Protocol: a.Config.OTLPProtocol,
			Insecure: a.Config.OTLPInsecure,
		})
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	}
	a.tracerProvider = exporters.NewTracerProvider(a.Config.AppName, Version, exporter)
	tracing.SetTracer(a.tracerProvider.Tracer(a.Config.AppName))
	return nil
}

func (a *App) databaseConfig() database.Config {
	return database.Config{
		Host:            a.Config.DatabaseHost,
		Port:            a.Config.DatabasePort,
		UserName:        a.Config.DatabaseUserName,
		Password:        a.Config.DatabasePassword,
		Name:            a.Config.DatabaseName,
		SSLMode:         a.Config.DatabaseSSLMode,
		MaxOpenConns:    a.Config.DatabaseMaxOpenConns,
		MaxIdleConns:    a.Config.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.Config.DatabaseConnMaxLifetime,
	}
}

func (a *App) connectDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, a.databaseConfig(), a.Logger)
	if err != nil {
		return err
	}
	a.DB = db
	return nil
}

func (a *App) closeDatabase(context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Migrate connects to the database and applies the migrations
func (a *App) Migrate(ctx context.Context) error {
	if a.DB == nil {
		if err := a.connectDatabase(ctx); err != nil {
			return err
		}
	}

	svc := database.NewMigrationService(a.Logger, &database.MigrationConfig{
		MigrationFolderPath: a.Config.DatabaseMigrationFolderPath,
		Embedded:            pg.Migrations,
		Version:             uint(a.Config.DatabaseMigrationVersion),
		Force:               a.Config.DatabaseMigrationForce,
		AutoRollback:        a.Config.DatabaseMigrationAutoRollback,
	})
	return svc.Migrate(a.Config.DatabaseName, a.DB)
}

func (a *App) connectRedis(ctx context.Context) error {
	client := redis.NewClient(redis.Config{
		Host:        a.Config.RedisHost,
		Port:        a.Config.RedisPort,
		Password:    a.Config.RedisPassword,
		DB:          a.Config.RedisDB,
		DialTimeout: 5 * time.Second,
	}, a.Logger)
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return err
	}
	a.Logger.WithContext(ctx).Infof("Connected to redis at %s:%d", a.Config.RedisHost, a.Config.RedisPort)
	a.Redis = client
	return nil
}

func (a *App) closeRedis(context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Close()
}

// connectKafka only checks that a broker is reachable; the writer connects lazily
func (a *App) connectKafka(ctx context.Context) error {
	cfg := notify.ParseKafkaConfig(a.Config.KafkaBrokers, a.Config.KafkaStatusTopic)
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to reach kafka at %s: %w", cfg.Brokers[0], err)
	}
	_ = conn.Close()
	a.Kafka = notify.NewKafkaSink(cfg, a.Logger)
	return nil
}

func (a *App) closeKafka(context.Context) error {
	if a.Kafka == nil {
		return nil
	}
	return a.Kafka.Close()
}

// Build creates the domain components over whatever backends are connected
func (a *App) Build() {
	cfg := a.Config

	a.Breakers = breaker.NewRegistry(cfg.Breaker(), append(a.Registry.BreakerOptions(),
		breaker.WithStateChange(func(name string, from, to models.CircuitState) {
			metrics.RecordBreakerTransition(name, string(to))
			a.Logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from,
				"to":      to,
			}).Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		}),
	)...)

	// Budget and shared store stay untyped nil without Redis
	var (
		shared cache.SharedStore
		budget probe.Budget
	)
	if a.Redis != nil {
		shared = a.Redis
		budget = redis.NewRateLimiter(a.Redis, "fern:ratelimit:")
	}
	a.Cache = cache.New(shared, cfg.Cache, a.Logger)

	a.Executor = probe.NewExecutor(a.Breakers, budget, cfg.Probe, a.Logger)
	client := httpclient.NewClient(cfg.HTTPClient, a.Logger)
	evaluator := expressions.NewEvaluator()
	for _, in := range a.Registry.All() {
		if in.HTTP != nil {
			a.Executor.Register(in.Name, probe.NewHTTPProbe(in.Name, *in.HTTP, client, evaluator))
		}
	}

	sink := notify.Multi{a.Hub}
	if a.Kafka != nil {
		sink = append(sink, a.Kafka)
	}

	deps := availability.Dependencies{
		Registry: a.Registry,
		Cache:    a.Cache,
		Breakers: a.Breakers,
		Executor: a.Executor,
		Sink:     sink,
	}
	if a.DB != nil {
		deps.Credentials = repositories.NewCredentialRepository(a.DB, nil, a.Logger)
		deps.Store = repositories.NewStatusRepository(a.DB, a.Logger)
	} else {
		deps.Credentials = availability.StaticCredentials{}
	}
	if a.Redis != nil {
		queueCfg := cfg.Queue
		// an attempt must outlast the probe it runs
		if floor := cfg.Probe.Timeout + 2*time.Second; queueCfg.AttemptTimeout < floor {
			queueCfg.AttemptTimeout = floor
		}
		a.Queue = queue.New(a.Redis, queueCfg, a.Logger)
		deps.Queue = a.Queue
	}

	a.Orchestrator = availability.New(deps, cfg.Availability, a.Logger)

	if a.Queue != nil {
		a.Processor = queue.NewProcessor(a.Queue, a.Orchestrator, sink, a.Logger)
		if cfg.Scheduler.Enabled && deps.Store != nil {
			a.Scheduler = scheduler.NewScheduler(deps.Store, a.Registry, a.Queue, a.Orchestrator.SafeMode(), cfg.Scheduler, a.Logger)
		}
	}

	a.buildHealth()
	a.Echo = a.buildServer()
}

func (a *App) buildHealth() {
	if a.DB != nil {
		a.Health.Require("database", health.PingFunc(a.DB.PingContext))
	}
	if a.Redis != nil {
		a.Health.Optional("redis", a.Redis)
	} else {
		a.Health.Disabled("redis", "redis disabled: local cache only, refreshes run in-process")
	}
	if a.Processor != nil {
		a.Health.Optional("queue_processor", health.PingFunc(func(context.Context) error {
			if !a.Processor.IsRunning() {
				return errors.New("queue processor is not running")
			}
			return nil
		}))
	}
	a.Health.WithBreakers(a.Breakers)
}

func (a *App) buildServer() *echo.Echo {
	cfg := a.Config

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.Logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context(!cfg.AuthEnabled))
	e.Use(middleware.Logger(a.Logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	a.Health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	var auth []echo.MiddlewareFunc
	if cfg.AuthEnabled {
		auth = append(auth, middleware.Authentication(a.Logger, a.verifier))
	}
	api := e.Group("/api/v1", append(auth, middleware.RequireTenant())...)

	handlers.NewStatusHandler(a.Orchestrator, a.Hub, a.Logger).RegisterRoutes(api)
	handlers.NewBreakerHandler(a.Breakers).RegisterRoutes(api)
	if a.Queue != nil {
		handlers.NewDLQHandler(a.Queue.DeadLetters(), a.Queue, a.Logger).RegisterRoutes(api)
		handlers.NewQueueHandler(a.Queue, a.Logger).RegisterRoutes(api)
	}
	return e
}

// addBackends registers the connections to external systems and the domain components built over them
func (a *App) addBackends(s *startup.Startup) {
	cfg := a.Config

	backends := []string{"database"}
	s.AddDependency(startup.Dependency{
		Name:      "database",
		StartFunc: a.connectDatabase,
		StopFunc:  a.closeDatabase,
	})
	if cfg.RedisEnabled {
		backends = append(backends, "redis")
		s.AddDependency(startup.Dependency{
			Name:      "redis",
			StartFunc: a.connectRedis,
			StopFunc:  a.closeRedis,
		})
	}
	if cfg.KafkaEnabled {
		backends = append(backends, "kafka")
		s.AddDependency(startup.Dependency{
			Name:      "kafka",
			StartFunc: a.connectKafka,
			StopFunc:  a.closeKafka,
		})
	}
	if cfg.AuthEnabled {
		backends = append(backends, "auth")
		s.AddDependency(startup.Dependency{
			Name:      "auth",
			StartFunc: a.discoverIssuer,
		})
	}

	s.AddDependency(startup.Dependency{
		Name:     "services",
		Requires: backends,
		StartFunc: func(context.Context) error {
			a.Build()
			return nil
		},
		StopFunc: func(context.Context) error {
			a.Orchestrator.Close()
			return nil
		},
	})
}

func (a *App) discoverIssuer(ctx context.Context) error {
	verifier, err := middleware.NewOIDCVerifier(ctx, a.Config.AuthIssuerURL, a.Config.AuthClientID)
	if err != nil {
		return err
	}
	a.verifier = verifier
	return nil
}

// Connect connects the backends and builds the domain components without starting any worker
func (a *App) Connect(ctx context.Context) error {
	s := startup.NewStartup(a.Logger, a.Config.StartupMaxAttempts)
	a.startup = s
	a.addBackends(s)
	return s.Start(ctx)
}

// Start connects every backend with retries, then starts the workers and the HTTP server
func (a *App) Start(ctx context.Context) error {
	s := startup.NewStartup(a.Logger, a.Config.StartupMaxAttempts)
	a.startup = s
	a.addBackends(s)

	s.AddDependency(startup.Dependency{
		Name:      "workers",
		Requires:  []string{"services"},
		StartFunc: a.startWorkers,
		StopFunc:  a.stopWorkers,
	})
	s.AddDependency(startup.Dependency{
		Name:      "http",
		Requires:  []string{"workers"},
		StartFunc: a.startServer,
		StopFunc:  a.stopServer,
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	a.Health.SetReady(true)
	return nil
}

func (a *App) startWorkers(ctx context.Context) error {
	// Workers outlive the startup context
	ctx = context.WithoutCancel(ctx)
	if a.Processor != nil {
		if err := a.Processor.Start(ctx); err != nil && !errors.Is(err, queue.ErrProcessorRunning) {
			return err
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil && !errors.Is(err, scheduler.ErrSchedulerAlreadyRunning) {
			return err
		}
	}
	return nil
}

func (a *App) stopWorkers(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Stop(ctx))
	}
	if a.Processor != nil {
		errs = append(errs, a.Processor.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (a *App) startServer(context.Context) error {
	cfg := a.Config
	a.server = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           a.Echo,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}

	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
		}
	}()
	a.Logger.Infof("HTTP server listening on %s", a.server.Addr)
	return nil
}

func (a *App) stopServer(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Run starts the service and blocks until ctx is cancelled or the server fails
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Shutting down")
	case runErr = <-a.serverErr:
		a.Logger.WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops everything Start started, in reverse order
func (a *App) Shutdown(ctx context.Context) error {
	a.Health.SetReady(false)

	var errs []error
	if a.startup != nil {
		errs = append(errs, a.startup.Stop(ctx))
	} else {
		errs = append(errs, a.closeDatabase(ctx))
	}
	if a.tracerProvider != nil {
		errs = append(errs, a.tracerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
