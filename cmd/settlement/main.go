package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/accesssync"
	"github.com/codelaboratoryltd/settlement/pkg/config"
	"github.com/codelaboratoryltd/settlement/pkg/lease"
	"github.com/codelaboratoryltd/settlement/pkg/metrics"
	"github.com/codelaboratoryltd/settlement/pkg/notify"
	"github.com/codelaboratoryltd/settlement/pkg/session"
	"github.com/codelaboratoryltd/settlement/pkg/settlement"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "settlement",
	Short: "Payment settlement and AAA access control",
	Long: `Settlement - applies confirmed payments to subscriber invoices and
keeps AAA group membership and sessions in line with billing status.

Settlement runs are guarded by a database lease so only one worker
drains the queue at a time.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configFile string
	envFile    string
	logLevel   string
	dbPath     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/settlement/config.yaml",
		"Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Optional dotenv file loaded before the environment overrides")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"SQLite database path; overrides the config file")
}

// loadSettings loads the dotenv file, the config file and the logger.
// CLI flags take precedence over the environment, which takes precedence
// over the config file.
func loadSettings() (*config.Config, *zap.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zapLevel
	logConfig.Encoding = "json"

	return logConfig.Build()
}

// app holds the wired components shared by all commands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      state.Store
	dispatcher *aaa.Dispatcher
	policy     *session.PolicyResolver
	controller *session.Controller
	decider    *settlement.Decider
	leases     *lease.Manager
	worker     *settlement.Worker
	sync       *accesssync.Synchronizer
	metrics    *metrics.Metrics
}

// newApp validates cfg and builds every component on top of store.
func newApp(cfg *config.Config, store state.Store, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := metrics.New(store, logger)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	dispatcher, err := aaa.NewDispatcherFromConfig(cfg.AAAEndpoints(), cfg.ClientConfig(), logger.Named("aaa"))
	if err != nil {
		return nil, fmt.Errorf("failed to create AAA dispatcher: %w", err)
	}
	dispatcher.SetObserver(m)

	policy := session.NewPolicyResolver(cfg.SessionPolicy(), logger.Named("policy"))

	opts := []session.ControllerOption{session.WithRecorder(m)}
	if dmCfg, ok := cfg.DisconnectConfig(); ok {
		dm, err := aaa.NewDisconnectSender(dmCfg, logger.Named("dm"))
		if err != nil {
			return nil, fmt.Errorf("failed to create disconnect sender: %w", err)
		}
		opts = append(opts, session.WithDisconnector(dm, cfg.NAS.DefaultAddress))
		logger.Info("NAS Disconnect-Message fallback enabled",
			zap.Int("port", cfg.NAS.Port),
			zap.String("default_nas", cfg.NAS.DefaultAddress),
		)
	}
	controller := session.NewController(dispatcher, store, policy, logger.Named("session"), opts...)

	notifier := newNotifier(cfg, logger)

	decider := settlement.NewDecider(store, controller, policy, notifier, cfg.Notify.ReconnectTemplate, logger.Named("reconnect"))
	decider.SetRecorder(m)

	leases := lease.NewManager(store, lease.DefaultOwner(), logger.Named("lease"))
	leases.SetRecorder(m)

	worker := settlement.NewWorker(store, leases, decider, notifier, cfg.WorkerConfig(), logger.Named("worker"))
	worker.SetRecorder(m)

	sync := accesssync.NewSynchronizer(store, dispatcher, policy.BlockedGroups(), logger.Named("sync"))
	sync.SetRecorder(m)

	logger.Info("Settlement components ready",
		zap.Strings("aaa_endpoints", dispatcher.Endpoints()),
		zap.String("lease_owner", leases.Owner()),
		zap.Duration("lease_ttl", cfg.Settlement.LeaseTTL),
		zap.Duration("aaa_worst_case", cfg.AAAWorstCase()),
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		policy:     policy,
		controller: controller,
		decider:    decider,
		leases:     leases,
		worker:     worker,
		sync:       sync,
		metrics:    m,
	}, nil
}

func newNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.NewLogNotifier(logger.Named("notify"))
	}
	logger.Info("Webhook notifications enabled", zap.String("url", cfg.Notify.WebhookURL))
	return notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
}

// withApp opens the database, builds the app and closes everything after fn.
func withApp(fn func(a *app) error) error {
	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := state.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	a, err := newApp(cfg, store, logger)
	if err != nil {
		return err
	}
	return fn(a)
}
