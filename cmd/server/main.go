// Safeguard runs the panic alert and escort lifecycle service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/safeguard/internal/cfg"
	"github.com/linnemanlabs/safeguard/internal/geoindex"
	"github.com/linnemanlabs/safeguard/internal/geoindex/redisgeo"
	"github.com/linnemanlabs/safeguard/internal/live"
	"github.com/linnemanlabs/safeguard/internal/notify/amqpnotify"
	"github.com/linnemanlabs/safeguard/internal/notify/expo"
	"github.com/linnemanlabs/safeguard/internal/notify/slack"
	"github.com/linnemanlabs/safeguard/internal/postgres"
	"github.com/linnemanlabs/safeguard/internal/retention"
	"github.com/linnemanlabs/safeguard/internal/safety"
	"github.com/linnemanlabs/safeguard/internal/safety/memstore"
	"github.com/linnemanlabs/safeguard/internal/safety/pgstore"
	"github.com/linnemanlabs/safeguard/internal/safety/redisstore"
	"github.com/linnemanlabs/safeguard/internal/safetyapi"
)

const appName = "safeguard"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// local development reads a .env file; a missing file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix SAFEGUARD_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SAFEGUARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"notifier", appCfg.Notifier,
		"max_radius_km", appCfg.MaxRadiusKm,
		"match_fallback_limit", appCfg.MatchFallbackLimit(),
		"notify_on_escort", appCfg.NotifyOnEscort,
		"escort_retention", appCfg.EscortRetention.String(),
		"purge_schedule", appCfg.PurgeSchedule,
		"redis_enabled", appCfg.RedisAddr != "",
		"postgres_enabled", appCfg.DatabaseURL != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles so a slow activation can be opened as a flame graph
	if profErr == nil && profCfg.EnablePyroscope && traceCfg.EnableTracing {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safeguard_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the incident, session and responder store
	var store safety.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{
			MaxConns:        int32(appCfg.DBMaxConns), //nolint:gosec // bounded by config validation
			SlowQueryLogMin: appCfg.SlowQueryThreshold(),
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Geo index and live tracks live in redis when configured so several
	// replicas share one view of responder positions.
	var (
		index  geoindex.Index
		tracks safety.TrackStore
	)
	if appCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     appCfg.RedisAddr,
			Password: appCfg.RedisPassword,
			DB:       appCfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", appCfg.RedisAddr, err)
		}
		index = redisgeo.New(rdb, "")
		tracks = redisstore.New(rdb, "", appCfg.TrackTTL)
		L.Info(ctx, "using redis geo index and live tracks", "addr", appCfg.RedisAddr)
	} else {
		index = geoindex.NewGrid(0)
		tracks = memstore.NewTracks(appCfg.TrackTTL)
		L.Info(ctx, "using in-process geo index (no redis-addr configured)")
	}

	// Responder notification backend
	var notifier safety.Notifier
	var closeNotifier func(context.Context) error
	switch appCfg.Notifier {
	case vc.NotifierAMQP:
		dialCtx, cancel := context.WithTimeout(ctx, time.Minute)
		pub, err := amqpnotify.Dial(dialCtx, appCfg.AMQPURL, appCfg.AMQPExchange, L)
		cancel()
		if err != nil {
			return fmt.Errorf("amqp notifier: %w", err)
		}
		notifier = pub
		closeNotifier = func(context.Context) error { return pub.Close() }
	default:
		notifier = expo.New(appCfg.ExpoPushURL, appCfg.ExpoAccessToken)
	}
	L.Info(ctx, "notifier enabled", "type", appCfg.Notifier)

	// Slack receives alerts that reached no responder.
	var escalator safety.Escalator
	if appCfg.SlackWebhookURL != "" {
		escalator = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "escalation enabled", "type", "slack")
	}

	// Live trail streaming for responders watching an incident.
	hub := live.NewHub(L, nil)

	// Engine metrics on the shared Prometheus registry, merged with the live hub.
	safetyMetrics := safety.NewMetrics(m.Registry())
	hooks := safetyMetrics.Hooks().Merge(hub.Hooks())

	matcher := safety.NewMatcher(index, store, L, safety.MatcherOptions{
		FallbackLimit: appCfg.MatchFallbackLimit(),
	})
	dispatcher := safety.NewDispatcher(notifier, L, safety.DispatcherOptions{
		Workers:          appCfg.DispatchWorkers,
		RecipientTimeout: appCfg.RecipientTimeout,
		Ceiling:          appCfg.DispatchCeiling,
	})
	engine := safety.NewEngine(safety.EngineDeps{
		Store:      store,
		Tracks:     tracks,
		Index:      index,
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Escalator:  escalator,
		Hooks:      hooks,
		Logger:     L,
	}, safety.EngineOptions{
		MaxRadiusKm:         appCfg.MaxRadiusKm,
		NotifyOnEscort:      appCfg.NotifyOnEscort,
		EscortRetention:     appCfg.EscortRetention,
		NearbyFallbackLimit: appCfg.NearbyFallbackLimit,
	})

	// The geo index is derived from responder records; rebuild it before
	// taking traffic.
	indexed, err := engine.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("rebuild geo index: %w", err)
	}
	L.Info(ctx, "geo index rebuilt", "responders", indexed)

	// Retention purge of ended escort trails
	purger, err := retention.New(engine, appCfg.PurgeSchedule, appCfg.PurgeTimeout, L)
	if err != nil {
		return fmt.Errorf("retention scheduler: %w", err)
	}
	purger.Start()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // 64KB to start with may adjust after i see real traffic

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	safetyHTTP := safetyapi.New(L, engine, safetyapi.Options{
		Token:     appCfg.APIToken,
		RateLimit: appCfg.RateLimit,
		RateBurst: appCfg.RateBurst,
		Live:      hub,
	})
	safetyHTTP.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components in order. stopProf is synchronous and needs no
	// context, so it's excluded. The engine keeps a full dispatch ceiling so
	// alerts already being delivered are not cut short.
	comps := []stopComponent{
		{name: "api http server", fn: apiHTTPStop},
		{name: "live hub", fn: func(context.Context) error { hub.Close(); return nil }},
		{name: "retention scheduler", fn: purger.Stop},
		{name: "safety engine", reserve: appCfg.DispatchCeiling, fn: engine.Shutdown},
		{name: "ops http server", fn: opsHTTPStop},
	}
	if closeNotifier != nil {
		comps = append(comps, stopComponent{name: "notifier", fn: closeNotifier})
	}
	if shutdownOtelx != nil {
		comps = append(comps, stopComponent{name: "otel", fn: shutdownOtelx})
	}
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, comps)

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// stopComponent is one step of the ordered shutdown. reserve is added on top
// of the component's even share of the budget.
type stopComponent struct {
	name    string
	reserve time.Duration
	fn      func(context.Context) error
}

// stopAll runs comps in order within budget. What is left of budget after
// every reserve is split evenly across all components.
func stopAll(L log.Logger, budget time.Duration, comps []stopComponent) {
	if len(comps) == 0 {
		return
	}
	var reserved time.Duration
	for _, c := range comps {
		reserved += c.reserve
	}
	share := max(budget-reserved, 0) / time.Duration(len(comps))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, c := range comps {
		cctx, ccancel := context.WithTimeout(shutdownCtx, share+c.reserve)
		if err := c.fn(cctx); err != nil {
			L.Error(context.Background(), err, c.name+" shutdown")
		}
		ccancel()
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
