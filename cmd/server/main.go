package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-ledger/internal/accounts"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/copytrading"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/metrics"
	"github.com/ksred/klear-ledger/internal/notification"
	"github.com/ksred/klear-ledger/internal/push"
	"github.com/ksred/klear-ledger/internal/referral"
	"github.com/ksred/klear-ledger/internal/workflow"
	"github.com/ksred/klear-ledger/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth          *auth.GinHandlers
	accounts      *accounts.GinHandlers
	workflow      *workflow.GinHandlers
	copytrading   *copytrading.GinHandlers
	referrals     *referral.GinHandlers
	notifications *notification.GinHandlers
	stream        *push.GinHandlers
}

// main wires the ledger services together and serves the HTTP API until
// SIGINT or SIGTERM, then drains in-flight work
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database.Path, database.Options{})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheusCollector("klear_ledger")
	if err := collector.Register(registry); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register metrics")
	}

	// Notifications are always stored; Kafka is an optional second deliverer
	deliverers := []notification.Deliverer{notification.NewStore(db)}
	var publisher *notification.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = notification.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		deliverers = append(deliverers, publisher)
		zlog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka notification publisher enabled")
	}
	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
		QueueSize: cfg.Notification.QueueSize,
		Workers:   cfg.Notification.Workers,
	}, collector, deliverers...)

	hub := push.NewHub(push.NewMemoryRegistry(), collector)

	authService := auth.NewService(cfg.Auth.JWTSecret, db)
	if cfg.Auth.AdminPassword != "" {
		if _, err := authService.SeedAdmin(context.Background(), cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to seed admin account")
		}
	}

	referralService := referral.NewService(db, dispatcher, hub, cfg.Referral.BonusRate)
	accountService := accounts.NewService(db, referralService)
	workflowService := workflow.NewService(db, dispatcher, hub, collector, referralService)
	copyTradingService := copytrading.NewService(db, dispatcher, hub, collector)
	notificationService := notification.NewService(db, dispatcher)

	reconciler := copytrading.NewProcessor(copyTradingService, cfg.Reconciler.Schedule)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	setupRoutes(router, authService, middleware.NewRateLimiter(), handlers{
		auth:          auth.NewGinHandlers(authService),
		accounts:      accounts.NewGinHandlers(accountService),
		workflow:      workflow.NewGinHandlers(workflowService, cfg.Server.UploadDir),
		copytrading:   copytrading.NewGinHandlers(copyTradingService),
		referrals:     referral.NewGinHandlers(referralService),
		notifications: notification.NewGinHandlers(notificationService),
		stream:        push.NewGinHandlers(hub, ledger.NewDatabase(db)),
	})
	router.Static("/uploads", cfg.Server.UploadDir)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zlog.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return reconciler.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding requests 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("Server stopped with error")
	}

	if err := dispatcher.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to drain notification queue")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close Kafka publisher")
		}
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public registration and login, limited per client IP
// - User routes: JWT protected, scoped to the caller's own account
// - Admin routes: JWT protected and restricted to the ADMIN role
//
// Protected groups rate limit after JWTAuth so buckets are per account.
func setupRoutes(router *gin.Engine, authenticator middleware.Authenticator, limiter *middleware.RateLimiter, h handlers) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(limiter.Middleware())
		{
			authRoutes.POST("/register", h.accounts.RegisterHandler())
			authRoutes.POST("/login", h.auth.LoginHandler())
		}

		user := v1.Group("")
		user.Use(middleware.JWTAuth(authenticator), limiter.Middleware())
		{
			user.GET("/me", h.auth.MeHandler())
			user.GET("/stream", h.stream.StreamHandler())

			user.POST("/deposits", h.workflow.SubmitHandler(ledger.KindDeposit))
			user.POST("/withdrawals", h.workflow.SubmitHandler(ledger.KindWithdrawal))
			user.GET("/transactions", h.workflow.ListMyTransactionsHandler())
			user.GET("/transactions/:transaction_id", h.workflow.GetTransactionHandler())
			user.GET("/profits", h.workflow.ListProfitsHandler())

			user.GET("/notifications", h.notifications.ListNotificationsHandler())
			user.POST("/notifications/read-all", h.notifications.MarkAllReadHandler())
			user.POST("/notifications/:notification_id/read", h.notifications.MarkReadHandler())
			user.GET("/messages", h.notifications.ListMessagesHandler())

			user.GET("/referrals", h.referrals.SummaryHandler())

			user.GET("/traders", h.copytrading.ListTradersHandler())
			user.GET("/follow", h.copytrading.FollowingHandler())
			user.POST("/follow", h.copytrading.FollowHandler())
			user.DELETE("/follow/:trader_id", h.copytrading.UnfollowHandler())
			user.GET("/copy-trades", h.copytrading.CopyTradesHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(authenticator), middleware.RequireAdmin(), limiter.Middleware())
		{
			admin.GET("/stats", h.workflow.StatsHandler())
			admin.GET("/transactions", h.workflow.ListTransactionsHandler())
			admin.POST("/transactions/:transaction_id/approve", h.workflow.ApproveHandler())
			admin.POST("/transactions/:transaction_id/reject", h.workflow.RejectHandler())

			admin.GET("/accounts", h.accounts.ListAccountsHandler())
			admin.GET("/accounts/:account_id", h.accounts.GetAccountHandler())
			admin.POST("/accounts/:account_id/block", h.accounts.BlockHandler(true))
			admin.POST("/accounts/:account_id/unblock", h.accounts.BlockHandler(false))
			admin.POST("/accounts/:account_id/profits", h.workflow.CreditProfitHandler())
			admin.GET("/accounts/:account_id/profits", h.workflow.ListProfitsHandler())

			admin.POST("/messages", h.notifications.SendMessageHandler())
			admin.POST("/referrals/bonus", h.referrals.CreditBonusHandler())

			admin.POST("/traders", h.copytrading.CreateTraderHandler())
			admin.GET("/traders/:trader_id/followers", h.copytrading.ListFollowersHandler())
			admin.GET("/trades", h.copytrading.ListTradesHandler())
			admin.POST("/trades", h.copytrading.CreateTradeHandler())
			admin.GET("/trades/:trade_id", h.copytrading.GetTradeHandler())
			admin.POST("/trades/:trade_id/execute", h.copytrading.ExecuteTradeHandler())
			admin.POST("/trades/:trade_id/retry", h.copytrading.RetryFanOutHandler())
			admin.POST("/trades/:trade_id/cancel", h.copytrading.CancelTradeHandler())
		}
	}
}
