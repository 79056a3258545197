package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// DB is the database connection shared by subcommands. It is nil until
	// a command calls openStore.
	DB *store.Store
	// Cfg is the environment configuration, loaded before any command runs.
	Cfg *config.Config
	// Logger writes structured logs to stderr.
	Logger *slog.Logger

	dbURL     string
	logLevel  string
	logFormat string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "veil",
	Short:   "Frame-accurate face redaction for video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		// Flags win over the environment
		if cmd.Flags().Changed("log-level") {
			Cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			Cfg.LogFormat = logFormat
		}
		if cmd.Flags().Changed("db") {
			Cfg.DatabaseURL = dbURL
		}
		if err := Cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Logger = logging.NewLogger(Cfg.LogLevel, Cfg.LogFormat, os.Stderr)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// openStore connects to the configured database on first use.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, Cfg.DatabaseURLOrDefault())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}

// mustStore is openStore for commands that cannot work without the database.
func mustStore(cmd *cobra.Command) *store.Store {
	s, err := openStore(cmd.Context())
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	return s
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $VEIL_DB_URL, POSTGRES_* or postgres://localhost:5432/veil)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Log format: text or json")
}
