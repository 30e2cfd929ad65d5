package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grantgate/internal/api/v1/handler"
	"grantgate/internal/config"
	"grantgate/internal/middleware"
	"grantgate/internal/pubsub"
	"grantgate/internal/repository"
	"grantgate/internal/service"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Handlers are the route groups served by the API.
type Handlers struct {
	Webhook  *handler.WebhookHandler
	Checkout *handler.CheckoutHandler
	Account  *handler.AccountHandler
	PubSub   *handler.PubSubHandler
}

// Middlewares are the per-group guards.
type Middlewares struct {
	Auth          func(http.Handler) http.Handler
	PushAuth      func(http.Handler) http.Handler
	CheckoutLimit func(http.Handler) http.Handler
}

// New connects the backing services and returns the HTTP handler together with
// a function that releases them.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// 1. Database
	pool, err := pgxpool.New(ctx, databaseURL(cfg))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open database pool: %w", err)
	}
	closers = append(closers, pool.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("ping database: %w", err)
	}
	logger.Info().Msg("Database connection successful")

	// 2. Redis rate limiter
	var counter middleware.WindowCounter
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		closers = append(closers, func() { _ = client.Close() })
		counter = repository.NewRateRepo(client)
		logger.Info().Msg("Checkout rate limiting backed by Redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set; checkout rate limiting disabled")
	}

	// 3. Webhook archive
	archiver := service.NewNoopArchiver()
	if cfg.ArchiveS3Bucket != "" {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		archiver = service.NewS3Archiver(s3Client, cfg.ArchiveS3Bucket)
	}

	// 4. Notifications
	var mailer service.Mailer = service.NewLogMailer(logger)
	if cfg.SMTPHost != "" {
		mailer = service.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailSender, cfg.AppURL)
	}
	notifier := service.NewDirectNotifier(mailer)
	if cfg.GCPProjectID != "" && cfg.PubSubNotificationTopic != "" {
		publisher, err := pubsub.NewPublisher(ctx, cfg.GCPProjectID)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("create pub/sub publisher: %w", err)
		}
		closers = append(closers, func() { _ = publisher.Close() })
		notifier = service.NewPubSubNotifier(publisher, cfg.PubSubNotificationTopic)
		logger.Info().Str("topic", cfg.PubSubNotificationTopic).Msg("Entitlement notifications published to Pub/Sub")
	}

	// 5. Repositories, services, handlers
	accountRepo := repository.NewAccountRepo(pool)
	dlqRepo := repository.NewDLQRepository(pool)

	entitlementSvc := service.NewEntitlementService(
		accountRepo,
		service.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookHMACSecret),
		service.NewNormalizer(),
		archiver,
		notifier,
		logger,
	)
	checkoutSvc := service.NewCheckoutService(
		accountRepo,
		service.NewStripeProcessor(cfg.StripeSecretKey, cfg.RequestTimeout()),
		entitlementSvc,
		service.CheckoutConfig{
			Plans:           cfg.Plans(),
			SuccessURL:      cfg.SuccessURL(),
			CancelURL:       cfg.CheckoutCancelURL,
			PortalReturnURL: cfg.PortalReturnURL,
		},
		logger,
	)

	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := Handlers{
		Webhook:  handler.NewWebhookHandler(entitlementSvc, logger),
		Checkout: handler.NewCheckoutHandler(checkoutSvc, validate, logger),
		Account:  handler.NewAccountHandler(service.NewAccountService(accountRepo), entitlementSvc, validate, logger),
		PubSub:   handler.NewPubSubHandler(service.NewNotificationService(mailer, logger), service.NewDLQService(dlqRepo), logger),
	}

	mws := Middlewares{
		Auth:          middleware.AuthMiddleware(cfg.JWTSecret, logger),
		PushAuth:      middleware.PubSubAuthMiddleware(cfg.PubSubEmulatorHost != "", cfg.PubSubPushAudience, cfg.PubSubPushServiceAccountEmail, logger),
		CheckoutLimit: middleware.RateLimitMiddleware(counter, "checkout_start", cfg.CheckoutRateLimitPerMinute, time.Minute, logger),
	}

	return Routes(handlers, mws, cfg.RequestTimeout(), logger), cleanup, nil
}

// Routes assembles the router. Every route sits at the root path.
func Routes(h Handlers, mws Middlewares, timeout time.Duration, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(chimw.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h.Webhook.RegisterRoutes(r)
	h.Checkout.RegisterRoutes(r, mws.Auth, mws.CheckoutLimit)
	h.Account.RegisterRoutes(r, mws.Auth)
	h.PubSub.RegisterRoutes(r, mws.PushAuth)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(r)
}

// databaseURL disables SSL for local development and switches to the simple
// protocol elsewhere, where a transaction pooler sits in front of Postgres.
func databaseURL(cfg *config.Config) string {
	dsn := cfg.DBConnectionString
	if cfg.IsDevelopment() && !strings.Contains(dsn, "sslmode") {
		dsn = appendParam(dsn, "sslmode=disable")
	}
	if !cfg.IsDevelopment() && !strings.Contains(dsn, "default_query_exec_mode") {
		dsn = appendParam(dsn, "default_query_exec_mode=simple_protocol")
	}
	return dsn
}

func appendParam(dsn, param string) string {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn + " " + param
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load S3 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3URL != "" {
			o.BaseEndpoint = aws.String(cfg.S3URL)
			o.UsePathStyle = true
		}
	}), nil
}

// removeDisableGzip works around signature errors on some S3-compatible stores.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
