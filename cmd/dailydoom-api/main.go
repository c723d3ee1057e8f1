package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/auth"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/config"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/database"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/ideas"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/logging"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/metrics"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/server"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/stream"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/users"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	// a missing .env is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "dailydoom-api",
		Short: "Daily Doom backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres DSN")
	cmd.PersistentFlags().String("ledger-backend", defaults.GetString("ledger.backend"), "Usage ledger backend (database, redis)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the idea cache and usage ledger")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("jwt-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "ledger.backend", "ledger-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		subject string
		email   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.jwt_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				Audience:      viper.GetString("auth.audience"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(cmd.Context(), subject, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", time.Unix(expiresAt, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User id placed in the sub claim")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
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

	var redisClient redis.UniversalClient
	if appConfig.RedisEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", zap.String("address", appConfig.RedisAddress), zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return err
	}

	gemini, err := generator.NewGeminiClient(generator.GeminiConfig{
		APIKey:  appConfig.GeminiAPIKey,
		Model:   appConfig.GeminiModel,
		BaseURL: appConfig.GeminiBaseURL,
		Timeout: appConfig.GeminiTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ideaConfig := ideas.ServiceConfig{
		Database:  db,
		Generator: gemini,
		Logger:    logger,
		Metrics:   recorder,
	}
	if redisClient != nil {
		ideaConfig.Cache = ideas.NewRedisCache(redisClient, appConfig.RedisIdeaTTL)
	}
	ideaService, err := ideas.NewService(ideaConfig)
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	ledger, err := buildLedger(appConfig, db, redisClient, logger)
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	rateGateway, err := gateway.New(gateway.Config{
		Ledger:    ledger,
		Publisher: dispatcher,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.JWTSecret),
		Audience:      appConfig.JWTAudience,
		Issuer:        appConfig.JWTIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ideas:    ideaService,
		Verifier: verifier,
		Profiles: profiles,
		Gateway:  rateGateway,
		Roaster:  gemini,
		Advisor:  gemini,
		RoastPolicy: gateway.Policy{
			Feature: usage.FeatureRoast,
			Limit:   appConfig.RoastQuota.Limit,
			Window:  appConfig.RoastQuota.Window,
		},
		AdvisorPolicy: gateway.Policy{
			Feature: usage.FeatureAdvisorChat,
			Limit:   appConfig.AdvisorQuota.Limit,
			Window:  appConfig.AdvisorQuota.Window,
		},
		Realtime:       dispatcher,
		Relay:          stream.NewRelay(logger, recorder),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins: appConfig.AllowedOrigins,
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("ledger_backend", appConfig.LedgerBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLedger(appConfig config.AppConfig, db *gorm.DB, redisClient redis.UniversalClient, logger *zap.Logger) (usage.Ledger, error) {
	if appConfig.LedgerBackend == config.LedgerBackendRedis {
		return usage.NewRedisLedger(usage.RedisLedgerConfig{
			Client:    redisClient,
			Retention: appConfig.LongestQuotaWindow(),
		})
	}
	return usage.NewGormLedger(usage.GormLedgerConfig{Database: db, Logger: logger})
}
