package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Governs-AI/governsai-console-sub004/pkg/audit"
	"github.com/Governs-AI/governsai-console-sub004/pkg/auth"
	"github.com/Governs-AI/governsai-console-sub004/pkg/confirm"
	"github.com/Governs-AI/governsai-console-sub004/pkg/decision"
	"github.com/Governs-AI/governsai-console-sub004/pkg/fanout"
	"github.com/Governs-AI/governsai-console-sub004/pkg/hardening"
	"github.com/Governs-AI/governsai-console-sub004/pkg/httpx"
	"github.com/Governs-AI/governsai-console-sub004/pkg/metrics"
	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
	"github.com/Governs-AI/governsai-console-sub004/pkg/ratelimit"
	"github.com/Governs-AI/governsai-console-sub004/pkg/session"
	"github.com/Governs-AI/governsai-console-sub004/pkg/statebus"
	"github.com/Governs-AI/governsai-console-sub004/pkg/store"
	"github.com/Governs-AI/governsai-console-sub004/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Audit               *audit.Writer
	Confirm             *confirm.Coordinator
	Ingest              *decision.Ingestor
	Events              *fanout.Router
	Sessions            *session.Manager
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
	WSOriginPatterns    []string
	HeartbeatInterval   time.Duration
	MaxMissedPings      int
	SessionQueueSize    int
	SweepInterval       time.Duration
	WebhookURL          string
	WebhookToken        string
	HTTPClient          *http.Client
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type (
	gatewayInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(ctx context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(ctx context.Context) (*redis.Client, error)
	gatewayListenFunc        func(server *http.Server) error
	gatewayStartLoopsFunc    func(s *Server)
)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		if s.SweepInterval > 0 {
			go s.sweepLoop(context.Background())
		}
		go s.metricsLoop(context.Background())
		startKafkaPump(context.Background(), s)
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "governs-gateway",
		Environment:           env("ENVIRONMENT", ""),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OIDC_HS256_SECRET", Value: env("OIDC_HS256_SECRET", "")},
			{Name: "CONFIRM_TOKEN_SECRET", Value: env("CONFIRM_TOKEN_SECRET", env("OIDC_HS256_SECRET", ""))},
		},
	}); err != nil {
		return err
	}
	shutdown, err := initTelemetry(ctx, "governs-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	queueSize := envInt("WS_SESSION_QUEUE", 64)
	if queueSize <= 0 {
		queueSize = 64
	}

	events := fanout.NewRouter(queueSize)
	auditWriter := &audit.Writer{DB: pool}
	lookaside := store.NewLookaside(ctx, redisClient,
		envInt("DEDUP_CACHE_CAPACITY", 10000),
		envDurationSec("DEDUP_CACHE_TTL_SEC", 1800))

	s := &Server{
		DB:      pool,
		Redis:   redisClient,
		Metrics: metrics.NewRegistry(),
		Audit:   auditWriter,
		Confirm: &confirm.Coordinator{
			DB:          pool,
			Audit:       auditWriter,
			Events:      events,
			TokenSecret: env("CONFIRM_TOKEN_SECRET", env("OIDC_HS256_SECRET", "")),
			TokenIssuer: env("CONFIRM_TOKEN_ISSUER", "governs-gateway"),
			Origin:      env("CONFIRM_ORIGIN", "https://console.governs.ai"),
			RPID:        env("CONFIRM_RP_ID", "governs.ai"),
			PendingTTL:  envDurationSec("CONFIRMATION_TTL_SEC", 300),
			TokenTTL:    envDurationSec("CONFIRM_TOKEN_TTL_SEC", 600),
		},
		Ingest: &decision.Ingestor{
			DB:        pool,
			Lookaside: lookaside,
			Audit:     auditWriter,
			Events:    events,
		},
		Events: events,
		Sessions: &session.Manager{
			DB:             pool,
			AllowedCIDRs:   session.ParseCIDRs(env("WS_ALLOWED_CIDRS", "")),
			TrustedProxies: session.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		},
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		WSOriginPatterns:    session.OriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
		HeartbeatInterval:   envDurationSec("WS_HEARTBEAT_SEC", 30),
		MaxMissedPings:      envInt("WS_MAX_MISSED", 2),
		SessionQueueSize:    queueSize,
		SweepInterval:       envDurationSec("CONFIRMATION_SWEEP_SEC", 0),
		WebhookURL:          env("CONFIRM_WEBHOOK_URL", ""),
		WebhookToken:        env("CONFIRM_WEBHOOK_TOKEN", ""),
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))}),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	events.OnOverflow = func(sessionID string) {
		s.Metrics.IncFanoutDrop()
		log.Printf("session %s dropped: delivery queue overflow", sessionID)
	}

	r := s.routes(env("CORS_ALLOWED_ORIGINS", ""))

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("governs-gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "governs-gateway"})
	})
	// The websocket upgrade authenticates through subprotocols, not the
	// Authorization header, so it stays off the bearer router.
	r.Get("/v1/ws", s.handleWS)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/confirmations", s.withScope(s.createConfirmation, "confirmations:write"))
	authRouter.Post("/v1/confirmations/auth-challenge", s.withScope(s.confirmationAuthChallenge, "confirmations:write"))
	authRouter.Post("/v1/confirmations/verify", s.withScope(s.verifyConfirmation, "confirmations:write"))
	authRouter.Post("/v1/confirmations/cancel", s.withScope(s.cancelConfirmation, "confirmations:write"))
	authRouter.Get("/v1/confirmations/{correlation_id}", s.getConfirmation)
	authRouter.Get("/v1/decisions", s.withScope(s.listDecisions, "decisions:read"))
	r.Mount("/", authRouter)
	return r
}

func startKafkaPump(ctx context.Context, s *Server) {
	brokers := strings.Split(env("DECISION_KAFKA_BROKERS", ""), ",")
	topic := env("DECISION_KAFKA_TOPIC", "")
	if strings.TrimSpace(strings.Join(brokers, "")) == "" || topic == "" {
		return
	}
	consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  env("DECISION_KAFKA_GROUP", "governs-gateway"),
		ClientID: env("DECISION_KAFKA_CLIENT_ID", "governs-gateway"),
		MaxBytes: envInt("DECISION_KAFKA_MAX_BYTES", 0),
	})
	if err != nil {
		log.Printf("kafka consumer disabled: %v", err)
		return
	}
	go func() {
		defer consumer.Close()
		statebus.Pump(ctx, consumer, func(ctx context.Context, d models.Decision) error {
			if d.Channel == "" {
				d.Channel = "kafka"
			}
			res, err := s.Ingest.Ingest(ctx, d)
			if err != nil {
				return err
			}
			s.observeIngest(d, res)
			return nil
		})
	}()
}

func (s *Server) observeIngest(d models.Decision, res decision.Result) {
	if res.Deduplicated {
		s.Metrics.IncDeduplicated()
		return
	}
	s.Metrics.IncIngested()
	s.Metrics.IncVerdict(d.Decision)
}

func (s *Server) withScope(h http.HandlerFunc, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, httpx.CodeUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasScope(principal, scope) {
			httpx.Error(w, 403, httpx.CodeForbidden, "missing scope "+scope)
			return
		}
		h(w, r)
	}
}

func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return true
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	subject := principal.UserID
	if subject == "" {
		subject = "anonymous"
	}
	key := "confirm:" + strings.ToLower(principal.OrgID) + ":" + strings.ToLower(subject) + ":" + s.Sessions.ClientIP(r)
	res := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
	if res.Allowed {
		return true
	}
	retryAfter := int(res.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httpx.Error(w, http.StatusTooManyRequests, httpx.CodeRateLimited, "rate limit exceeded")
	return false
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Confirm.Sweep(ctx)
			if err != nil {
				log.Printf("confirmation sweep: %v", err)
				continue
			}
			for i := int64(0); i < n; i++ {
				s.Metrics.IncConfirmationState(models.StatusExpired)
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("live_sessions", float64(s.Events.Size()))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap and Hijack keep the websocket upgrade working behind the
// recording wrapper.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
