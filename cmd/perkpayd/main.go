package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/perkpay/internal/httpserver"
	"github.com/MarkoPoloResearchLab/perkpay/internal/oplog"
	"github.com/MarkoPoloResearchLab/perkpay/internal/realtime"
	"github.com/MarkoPoloResearchLab/perkpay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/perkpay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/perkpay/pkg/rewards"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store-backend"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagFlowVariant       = "flow-variant"
	flagCreditCapBps      = "credit-cap-bps"
	flagPendingTTL        = "pending-ttl"
	flagExecutionMode     = "execution-mode"
	flagPeriodStart       = "period-start"
	flagPeriodEnd         = "period-end"

	configKeyDatabaseURL       = "database_url"
	configKeyStoreBackend      = "store_backend"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeyFlowVariant       = "flow_variant"
	configKeyCreditCapBps      = "credit_cap_bps"
	configKeyPendingTTL        = "pending_ttl"
	configKeyExecutionMode     = "execution_mode"

	defaultDatabaseURL  = "sqlite:///tmp/perkpay.db"
	storeBackendGorm    = "gorm"
	storeBackendPgx     = "pgx"
	defaultListenAddr   = ":8080"
	defaultFlowVariant  = string(rewards.FlowLaneToken)
	defaultCreditCapBps = int64(10000)
	defaultPendingTTL   = 3 * time.Minute

	simulatedEpochUnixUTC = int64(1_700_000_000)
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreBackend      string
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	FlowVariant       string
	CreditCapBps      int64
	PendingTTL        time.Duration
	ExecutionMode     string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perkpayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	root := &cobra.Command{
		Use:           "perkpayd",
		Short:         "Local commerce rewards and payment engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	root.PersistentFlags().String(flagStoreBackend, storeBackendGorm, "storage backend (gorm or pgx; pgx requires a postgres url)")
	root.PersistentFlags().String(flagFlowVariant, defaultFlowVariant, "payment flow variant (pin, qr, keyed, lane)")
	root.PersistentFlags().Int64(flagCreditCapBps, defaultCreditCapBps, "max share of a bill payable with credit, in basis points")
	root.PersistentFlags().Duration(flagPendingTTL, defaultPendingTTL, "pending transaction time to live")
	root.PersistentFlags().String(flagExecutionMode, string(rewards.ModeLive), "execution mode (live or simulated)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	serve.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	serve.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	serve.Flags().String(flagSessionSigningKey, "", "session token signing key")

	settle := &cobra.Command{
		Use:   "settle",
		Short: "Generate settlements for a completed period",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			periodStart, err := cmd.Flags().GetInt64(flagPeriodStart)
			if err != nil {
				return err
			}
			periodEnd, err := cmd.Flags().GetInt64(flagPeriodEnd)
			if err != nil {
				return err
			}
			return runSettle(ctx, cfg, periodStart, periodEnd)
		},
	}
	settle.Flags().Int64(flagPeriodStart, 0, "period start, unix seconds UTC (inclusive)")
	settle.Flags().Int64(flagPeriodEnd, 0, "period end, unix seconds UTC (exclusive)")
	_ = settle.MarkFlagRequired(flagPeriodStart)
	_ = settle.MarkFlagRequired(flagPeriodEnd)

	root.AddCommand(serve, settle)
	return root
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyStoreBackend:      "STORE_BACKEND",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeyFlowVariant:       "FLOW_VARIANT",
		configKeyCreditCapBps:      "CREDIT_CAP_BPS",
		configKeyPendingTTL:        "PENDING_TTL",
		configKeyExecutionMode:     "EXECUTION_MODE",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyStoreBackend:      flagStoreBackend,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeyFlowVariant:       flagFlowVariant,
		configKeyCreditCapBps:      flagCreditCapBps,
		configKeyPendingTTL:        flagPendingTTL,
		configKeyExecutionMode:     flagExecutionMode,
	}
	for key, flagName := range flagBindings {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.FlowVariant = viper.GetString(configKeyFlowVariant)
	if cfg.FlowVariant == "" {
		cfg.FlowVariant = defaultFlowVariant
	}
	cfg.CreditCapBps = viper.GetInt64(configKeyCreditCapBps)
	if cfg.CreditCapBps == 0 {
		cfg.CreditCapBps = defaultCreditCapBps
	}
	cfg.PendingTTL = viper.GetDuration(configKeyPendingTTL)
	if cfg.PendingTTL == 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	cfg.ExecutionMode = viper.GetString(configKeyExecutionMode)
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = string(rewards.ModeLive)
	}
	return nil
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	hub := realtime.NewHub()
	service, cleanup, err := buildService(ctx, cfg, logger, rewards.WithTransactionNotifier(hub))
	if err != nil {
		return err
	}
	defer cleanup()

	serverConfig := httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
	}
	if err := serverConfig.Validate(); err != nil {
		return err
	}
	return httpserver.Run(ctx, serverConfig, logger, service, hub)
}

func runSettle(ctx context.Context, cfg *runtimeConfig, periodStartUnixUTC int64, periodEndUnixUTC int64) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	run, err := service.GenerateSettlements(ctx, periodStartUnixUTC, periodEndUnixUTC)
	if err != nil {
		return err
	}
	logger.Info("settlement run finished",
		zap.Int("settlements_created", run.SettlementsCreated),
		zap.Int("merchants_skipped", run.MerchantsSkipped),
	)
	return nil
}

func buildService(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger, extraOptions ...rewards.ServiceOption) (*rewards.Service, func() error, error) {
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	variant, err := rewards.ParseFlowVariant(cfg.FlowVariant)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	mode, err := rewards.ParseExecutionMode(cfg.ExecutionMode)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	flow := rewards.FlowConfig{
		Variant:        variant,
		CapBasisPoints: cfg.CreditCapBps,
		TTL:            cfg.PendingTTL,
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []rewards.ServiceOption{
		rewards.WithOperationLogger(oplog.New(logger)),
		rewards.WithExecutionMode(mode),
	}
	if mode == rewards.ModeSimulated {
		// Simulated runs swap in deterministic collaborators so two runs
		// over the same inputs produce identical codes and timestamps.
		clock = newSimulatedClock()
		options = append(options, rewards.WithCodeSource(rewards.NewSequentialCodeSource()))
	}
	options = append(options, extraOptions...)
	service, err := rewards.NewService(store, clock, flow, options...)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("rewards service init: %w", err)
	}
	return service, cleanup, nil
}

// newSimulatedClock ticks one second per reading from a fixed epoch.
func newSimulatedClock() func() int64 {
	var ticks atomic.Int64
	return func() int64 {
		return simulatedEpochUnixUTC + ticks.Add(1)
	}
}

// openStore builds the configured rewards.Store. The pgx backend speaks raw
// SQL against PostgreSQL and leaves schema management to external migrations.
func openStore(ctx context.Context, cfg *runtimeConfig) (rewards.Store, func() error, error) {
	switch cfg.StoreBackend {
	case storeBackendGorm:
		gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := prepareSchema(gormDB, driver); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		return gormstore.New(gormDB), cleanup, nil
	case storeBackendPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("store backend %q requires a postgres database url", storeBackendPgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool open: %w", err)
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "perkpay.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
