package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/copydesk/copydesk/internal/auth"
	"github.com/copydesk/copydesk/internal/collab"
	"github.com/copydesk/copydesk/internal/config"
	"github.com/copydesk/copydesk/internal/database"
	"github.com/copydesk/copydesk/internal/logging"
	"github.com/copydesk/copydesk/internal/pages"
	"github.com/copydesk/copydesk/internal/server"
	"github.com/copydesk/copydesk/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "copydesk-api",
		Short: "Copydesk collaborative page editing service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("collab.send_buffer"), "Per-connection outbound frame buffer")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("collab.debounce_ms"), "Draft persistence debounce window in milliseconds")
	cmd.PersistentFlags().Bool("seed-admin", defaults.GetBool("admin.seed"), "Ensure the admin account and a starter page exist before serving")
	cmd.PersistentFlags().String("admin-username", defaults.GetString("admin.username"), "Admin account username used when seeding")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "collab.send_buffer", "send-buffer")
	bindFlag(cmd, "collab.debounce_ms", "debounce-ms")
	bindFlag(cmd, "admin.seed", "seed-admin")
	bindFlag(cmd, "admin.username", "admin-username")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	_ = godotenv.Load()

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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogDevelopment)
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

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "copydesk-auth",
		Audience:      "copydesk-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	pageStore, err := pages.NewStore(pages.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := registry.Reset(ctx); err != nil {
		return err
	}

	draftEngine, err := collab.NewDraftEngine(collab.DraftEngineConfig{
		Store:    pageStore,
		Debounce: appConfig.DraftDebounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	adminBus, err := collab.NewAdminBus(collab.AdminBusConfig{
		Sessions: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hub, err := collab.NewHub(collab.HubConfig{
		Pages:    pageStore,
		Presence: registry,
		Drafts:   draftEngine,
		Cursors:  collab.NewCursorBroker(nil),
		Admin:    adminBus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gateway, err := collab.NewGateway(collab.GatewayConfig{
		Hub:        hub,
		Auth:       tokenIssuer,
		SendBuffer: appConfig.SendBuffer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if appConfig.AdminSeed {
		if err := seedInitialData(ctx, appConfig, logger, userService, pageStore); err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		UserService:  userService,
		TokenManager: tokenIssuer,
		PageStore:    pageStore,
		Gateway:      gateway,
		Logger:       logger,
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

func seedInitialData(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger, userService *users.Service, pageStore *pages.Store) error {
	account, err := userService.EnsureUser(ctx, appConfig.AdminUsername, appConfig.AdminPassword, auth.RoleAdmin)
	if err != nil {
		return err
	}
	logger.Info("admin account ready", zap.String("username", account.Username))

	existing, err := pageStore.ListPages(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	page, err := pageStore.CreatePage(ctx, "welcome", "Welcome", "This page is ready for collaborative editing.")
	if err != nil {
		return err
	}
	logger.Info("starter page created", zap.String("slug", page.Slug))
	return nil
}
