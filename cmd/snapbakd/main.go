package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snapbak/snapbak/internal/daemon"
	"github.com/snapbak/snapbak/internal/syncd"
	"github.com/snapbak/snapbak/internal/utils"
	"github.com/snapbak/snapbak/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, "snapbak")
	defaultLogFile = filepath.Join(home, ".snapbak", "logs", "snapbakd.log")
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "snapbakd",
	Short:   "snapbak backup daemon",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &syncd.Config{}
		if err := viper.Unmarshal(cfg); err != nil {
			return fmt.Errorf("config unmarshal: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// config is good, anything past this point is a runtime failure
		cmd.SilenceUsage = true

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return d.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "Directory holding the backed up trees")
	rootCmd.Flags().StringP("mounts", "m", "", "YAML file with mounts to create at startup")
	rootCmd.Flags().DurationP("interval", "i", syncd.DefaultInterval, "Interval between sync passes")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file")
}

func main() {
	// TODO handle log rotation
	logDir := filepath.Dir(defaultLogFile)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(defaultLogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	// .env is a convenience for bucket credentials; a missing file is fine
	_ = godotenv.Load()

	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".snapbak"))
		viper.AddConfigPath(filepath.Join(home, ".config", "snapbak"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("mounts_file", cmd.Flags().Lookup("mounts"))
	viper.BindPFlag("sync.interval", cmd.Flags().Lookup("interval"))

	// AutomaticEnv only resolves keys viper already knows about, so every
	// key not bound to a flag gets registered with a default.
	viper.SetDefault("attr_backend", "")
	viper.SetDefault("s3.bucket", "")
	viper.SetDefault("s3.region", "")
	viper.SetDefault("s3.access_key", "")
	viper.SetDefault("s3.secret_key", "")
	viper.SetDefault("s3.endpoint", "")
	viper.SetDefault("s3.use_accelerate", false)
	viper.SetDefault("sync.part_size", 0)
	viper.SetDefault("sync.workers", 0)
	viper.SetDefault("sync.max_attempts", 0)
	viper.SetDefault("sync.ignore", nil)

	viper.SetEnvPrefix("SNAPBAK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	return nil
}
