package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sensalabs/mindsync/backend/internal/auth"
	"github.com/sensalabs/mindsync/backend/internal/config"
	"github.com/sensalabs/mindsync/backend/internal/database"
	"github.com/sensalabs/mindsync/backend/internal/logging"
	"github.com/sensalabs/mindsync/backend/internal/mindmap"
	"github.com/sensalabs/mindsync/backend/internal/presence"
	"github.com/sensalabs/mindsync/backend/internal/server"
	"github.com/sensalabs/mindsync/backend/internal/session"
	"github.com/sensalabs/mindsync/backend/internal/signaling"
	"github.com/sensalabs/mindsync/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mindsync-api",
		Short: "MindSync collaborative mind-mapping backend service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("provider-audience", defaults.GetString("auth.provider_audience"), "Identity provider token audience")
	cmd.PersistentFlags().String("provider-jwks-url", defaults.GetString("auth.provider_jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().StringSlice("provider-issuers", defaults.GetStringSlice("auth.provider_issuers"), "Trusted identity provider issuers")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("max-participants", defaults.GetInt("session.max_participants"), "Default session participant limit")
	cmd.PersistentFlags().Int("snapshot-every-ops", defaults.GetInt("snapshot.every_ops"), "Automatic snapshot cadence in operations (0 disables)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.provider_audience", "provider-audience")
	bindFlag(cmd, "auth.provider_jwks_url", "provider-jwks-url")
	bindFlag(cmd, "auth.provider_issuers", "provider-issuers")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "session.max_participants", "max-participants")
	bindFlag(cmd, "snapshot.every_ops", "snapshot-every-ops")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "mindsync-auth",
		Audience:      "mindsync-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	verifier, err := auth.NewProviderVerifier(auth.ProviderVerifierConfig{
		Audience:       appConfig.ProviderAudience,
		JWKSURL:        appConfig.ProviderJWKSURL,
		AllowedIssuers: appConfig.ProviderIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	sessionService, err := session.NewService(session.ServiceConfig{
		Database:               db,
		Clock:                  time.Now,
		DefaultMaxParticipants: appConfig.MaxParticipants,
		IDProvider:             session.NewUUIDProvider(),
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	mindmapService, err := mindmap.NewService(mindmap.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: mindmap.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(presence.TrackerConfig{
		CursorThrottle:      appConfig.CursorThrottle,
		TypingIdleTimeout:   appConfig.TypingIdleTimeout,
		ActivityIdleTimeout: appConfig.ActivityIdleTimeout,
		Logger:              logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:         verifier,
		TokenManager:     tokenManager,
		UsersService:     usersService,
		SessionService:   sessionService,
		MindmapService:   mindmapService,
		Presence:         tracker,
		Relay:            signaling.NewRelay(logger),
		Dispatcher:       server.NewRealtimeDispatcher(),
		SnapshotEveryOps: int64(appConfig.SnapshotEveryOps),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go tracker.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
