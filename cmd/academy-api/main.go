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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superteam-academy/backend/internal/auth"
	"github.com/superteam-academy/backend/internal/catalog"
	"github.com/superteam-academy/backend/internal/config"
	"github.com/superteam-academy/backend/internal/database"
	"github.com/superteam-academy/backend/internal/leaderboard"
	"github.com/superteam-academy/backend/internal/ledger"
	"github.com/superteam-academy/backend/internal/logging"
	"github.com/superteam-academy/backend/internal/ratelimit"
	"github.com/superteam-academy/backend/internal/relay"
	"github.com/superteam-academy/backend/internal/server"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "academy-api",
		Short: "Superteam Academy progress and leaderboard service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <wallet>",
		Short: "Issue a wallet-bound bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd.Context(), args[0])
		},
	}
	rootCmd.AddCommand(tokenCmd)

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite mirror store path")
	cmd.PersistentFlags().String("ledger-endpoint", defaults.GetString("ledger.endpoint"), "Ledger JSON-RPC endpoint")
	cmd.PersistentFlags().String("ledger-index-endpoint", defaults.GetString("ledger.index_endpoint"), "Indexing service endpoint (defaults to the ledger endpoint)")
	cmd.PersistentFlags().String("program-id", defaults.GetString("ledger.program_id"), "On-chain program identifier")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "ledger.endpoint", "ledger-endpoint")
	bindFlag(cmd, "ledger.index_endpoint", "ledger-index-endpoint")
	bindFlag(cmd, "ledger.program_id", "program-id")
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

func issueToken(ctx context.Context, wallet string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	token, expiresIn, err := issuer.IssueWalletToken(ctx, wallet)
	if err != nil {
		return err
	}
	fmt.Printf("%s\nexpires_in_s=%d\n", token, expiresIn)
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

	ledgerClient, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		Endpoint: appConfig.LedgerEndpoint,
		Timeout:  appConfig.LedgerTimeout,
		Logger:   logging.Component(logger, "ledger"),
	})
	if err != nil {
		return err
	}

	retry := ledger.NewRetryPolicy(ledger.RetryPolicyConfig{
		MaxAttempts: appConfig.RetryAttempts,
		BaseDelay:   appConfig.RetryBaseDelay,
		Logger:      logging.Component(logger, "retry"),
	})

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database: db,
		Logger:   logging.Component(logger, "catalog"),
	})
	if err != nil {
		return err
	}

	receipts, err := relay.NewReceiptStore(db, relay.NewUUIDProvider())
	if err != nil {
		return err
	}

	dispatcher := server.NewProgressDispatcher()

	relayService, err := relay.NewService(relay.ServiceConfig{
		Ledger:    ledgerClient,
		Retry:     retry,
		Catalog:   catalogService,
		Receipts:  receipts,
		ProgramID: appConfig.ProgramID,
		Logger:    logging.Component(logger, "relay"),
		Events:    dispatcher,
	})
	if err != nil {
		return err
	}

	metadata, err := leaderboard.NewMetadataStore(db, time.Now)
	if err != nil {
		return err
	}
	standingsSource, err := leaderboard.NewIndexSource(leaderboard.IndexSourceConfig{
		Endpoint:  appConfig.IndexEndpoint,
		ProgramID: appConfig.ProgramID,
		Timeout:   appConfig.LedgerTimeout,
		Logger:    logging.Component(logger, "leaderboard"),
	})
	if err != nil {
		return err
	}
	leaderboardService, err := leaderboard.NewService(leaderboard.ServiceConfig{
		Source:   standingsSource,
		Metadata: metadata,
		TTL:      appConfig.LeaderboardTTL,
		Logger:   logging.Component(logger, "leaderboard"),
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewBearerValidator(auth.BearerValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		MaxRequests: appConfig.RateLimitMax,
		Window:      appConfig.RateLimitWindow,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Relay:         relayService,
		Catalog:       catalogService,
		Leaderboard:   leaderboardService,
		Authenticator: validator,
		Limiter:       limiter,
		Dispatcher:    dispatcher,
		Logger:        logging.Component(logger, "server"),
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
