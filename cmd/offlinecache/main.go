package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spdeepak/offlinecache/cache"
	"github.com/spdeepak/offlinecache/internal/config"
	applog "github.com/spdeepak/offlinecache/internal/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	// Global flags
	configFile string
	verbose    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	v         = viper.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "offlinecache",
	Short:   "Offline asset cache for a web app shell",
	Version: Version,
	Long: `offlinecache keeps a versioned copy of an application shell and serves
GET traffic cache-first, falling back to the upstream origin.

Bumping worker.cache_name and running update (or restarting serve) installs
the new version and purges the stores of every older one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "DEBUG"
		}
		logger, logCloser, err = applog.SetupLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default searches ./offlinecache.yaml and the user config dir)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.String("cache-name", "", "cache store name of this version")
	flags.String("scope", "", "public base URL precache entries resolve against")
	flags.String("storage", "", "storage backend: memory or bolt")
	flags.String("db", "", "bolt database path")
	flags.String("upstream", "", "origin fetched on cache misses and at install")
	_ = v.BindPFlag("worker.cache_name", flags.Lookup("cache-name"))
	_ = v.BindPFlag("worker.scope", flags.Lookup("scope"))
	_ = v.BindPFlag("storage.backend", flags.Lookup("storage"))
	_ = v.BindPFlag("storage.path", flags.Lookup("db"))
	_ = v.BindPFlag("server.upstream", flags.Lookup("upstream"))

	rootCmd.AddCommand(serveCmd, updateCmd, cachesCmd)
}

// openStorage opens the configured cache storage.
func openStorage() (cache.Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return cache.NewMemoryStorage(cfg.Storage.QuotaMB), nil
	default:
		return cache.NewBoltStorage(cfg.Storage.Path)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
