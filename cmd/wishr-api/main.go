package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/MarcoPoloResearchLab/wishr/internal/config"
	"github.com/MarcoPoloResearchLab/wishr/internal/database"
	"github.com/MarcoPoloResearchLab/wishr/internal/logging"
	"github.com/MarcoPoloResearchLab/wishr/internal/metrics"
	"github.com/MarcoPoloResearchLab/wishr/internal/realtime"
	"github.com/MarcoPoloResearchLab/wishr/internal/server"
	"github.com/MarcoPoloResearchLab/wishr/internal/session"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wishr-api",
		Short: "Wishr wishlist backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma-separated CORS origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("auth-domain", defaults.GetString("auth.domain"), "Identity provider domain")
	cmd.PersistentFlags().String("auth-client-id", defaults.GetString("auth.client_id"), "Identity provider client ID")
	cmd.PersistentFlags().String("auth-redirect-url", defaults.GetString("auth.redirect_url"), "OAuth callback URL")
	cmd.PersistentFlags().String("auth-app-origin", defaults.GetString("auth.app_origin"), "Origin the provider returns to after logout")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session lifetime in minutes")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for cross-instance change fan-out")
	cmd.PersistentFlags().Int("rate-limit", defaults.GetInt("ratelimit.per_minute"), "Write requests per user per minute")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.domain", "auth-domain")
	bindFlag(cmd, "auth.client_id", "auth-client-id")
	bindFlag(cmd, "auth.redirect_url", "auth-redirect-url")
	bindFlag(cmd, "auth.app_origin", "auth-app-origin")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "ratelimit.per_minute", "rate-limit")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("wishr")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	dispatcher := realtime.NewDispatcher()
	var feed users.ChangeFeed = dispatcher
	var redisBridge *realtime.RedisBridge
	redisClient, err := realtime.NewRedisClient(signalCtx, appConfig.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		redisBridge, err = realtime.NewRedisBridge(realtime.RedisBridgeConfig{
			Client:     redisClient,
			Dispatcher: dispatcher,
			Channel:    appConfig.RedisChannel,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		feed = redisBridge
	}

	store, err := users.NewStore(users.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Feed:       feed,
		Metrics:    collector,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionStates := session.NewRegistry(session.RegistryConfig{
		Fetcher: store,
		Metrics: collector,
		Logger:  logger,
	})
	defer sessionStates.CloseAll()

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		CookieName:    appConfig.SessionCookieName,
		TTL:           appConfig.SessionTTL,
		Secure:        appConfig.SessionSecureCookie,
	})
	if err != nil {
		return err
	}

	bridge, err := auth.NewBridge(auth.BridgeConfig{
		Domain:        appConfig.AuthDomain,
		ClientID:      appConfig.AuthClientID,
		ClientSecret:  appConfig.AuthClientSecret,
		RedirectURL:   appConfig.AuthRedirectURL,
		AppOrigin:     appConfig.AuthAppOrigin,
		Sessions:      sessionManager,
		Users:         store,
		SessionStates: sessionStates,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		Metrics:       collector,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Bridge:         bridge,
		Users:          store,
		Sessions:       sessionStates,
		Metrics:        collector.Handler(),
		AllowedOrigins: appConfig.AllowedOrigins,
		RateLimit:      server.RateLimiterConfig{PerMinute: appConfig.RatePerMinute},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sessionStates.CloseAll()
		return httpServer.Shutdown(shutdownCtx)
	})
	if bridge.Enabled() {
		group.Go(func() error {
			return bridge.Start(groupCtx)
		})
	}
	if redisBridge != nil {
		group.Go(func() error {
			return redisBridge.Run(groupCtx)
		})
	}

	return group.Wait()
}
