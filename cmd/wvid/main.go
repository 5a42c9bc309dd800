/*
wvid - webview content server with bridge script injection.

Usage:

	wvid [flags]
	wvid version
	wvid inject [file] [flags]
	wvid config dump [flags]
	wvid config validate [flags]
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ushineko/webview-injector/internal/bridge"
	"github.com/ushineko/webview-injector/internal/config"
	"github.com/ushineko/webview-injector/internal/console"
	"github.com/ushineko/webview-injector/internal/logbuf"
	"github.com/ushineko/webview-injector/internal/logging"
	"github.com/ushineko/webview-injector/internal/probe"
	"github.com/ushineko/webview-injector/internal/server"
	"github.com/ushineko/webview-injector/internal/stats"
	"github.com/ushineko/webview-injector/internal/version"
)

var (
	// CLI flags. These override config file values when explicitly set.
	flagAddr       string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagRoot       string
	flagUpstream   string
	flagCore       string
	flagPluginDir  string
	flagConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "wvid",
	Short: "wvid - webview content server with bridge script injection",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var injectCmd = &cobra.Command{
	Use:   "inject [file]",
	Short: "Write a file (or stdin) to stdout with the bridge preamble prepended",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInject,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: wvid.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for stats.db")
	rootCmd.PersistentFlags().StringVar(&flagCore, "core", "", "bridge core script")
	rootCmd.PersistentFlags().StringVar(&flagPluginDir, "plugin-dir", "", "directory of plugin scripts (*.js)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().StringVarP(&flagRoot, "root", "r", "", "directory to serve in local mode")
	rootCmd.Flags().StringVarP(&flagUpstream, "upstream", "u", "", "upstream origin URL (enables upstream mode)")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Only flags that were explicitly set become overrides.
	overrides := config.CLIOverrides{}
	flags := cmd.Flags()

	if flags.Changed("addr") {
		overrides.Addr = &flagAddr
	}
	if flags.Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if flags.Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if flags.Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if flags.Changed("root") {
		overrides.Root = &flagRoot
	}
	if flags.Changed("upstream") {
		overrides.Upstream = &flagUpstream
	}
	if flags.Changed("core") {
		overrides.Core = &flagCore
	}
	if flags.Changed("plugin-dir") {
		overrides.PluginDir = &flagPluginDir
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// loadFragments reads the bridge scripts named by the config.
func loadFragments(cfg *config.Config, logger *slog.Logger) (*bridge.Fragments, error) {
	bc := bridge.Config{
		CorePath:  cfg.Bridge.Core,
		PluginDir: cfg.Bridge.PluginDir,
	}
	for _, p := range cfg.Bridge.Plugins {
		bc.Plugins = append(bc.Plugins, bridge.Plugin{
			Name:    p.Name,
			Path:    p.Path,
			Enabled: p.IsEnabled(),
		})
	}
	frag, err := bridge.Load(bc, logger)
	if err != nil {
		return nil, fmt.Errorf("load bridge scripts: %w", err)
	}
	return frag, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// The log feed captures DEBUG regardless of --verbose; clients filter.
	var feed *logbuf.Buffer
	logCfg := logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	}
	if cfg.Management.LogBuffer > 0 {
		feed = logbuf.New(cfg.Management.LogBuffer)
		logCfg.Feed = feed.Handler(slog.LevelDebug)
	}

	logger, cleanup := logging.Setup(logCfg)
	defer cleanup()

	frag, err := loadFragments(&cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("bridge scripts loaded",
		"core", cfg.Bridge.Core,
		"core_bytes", len(frag.Core),
		"plugins", frag.Plugins,
		"plugin_bytes", len(frag.Plugin),
		"preamble_bytes", frag.PreambleLen(),
	)

	// Initialize stats collector (always active for in-memory counters).
	collector := stats.NewCollector()

	// Initialize stats DB if enabled.
	var statsDB *stats.DB
	if cfg.Stats.Enabled {
		statsDBPath := filepath.Join(cfg.DataDir, "stats.db")
		statsDB, err = stats.Open(statsDBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		logger.Info("stats database initialized",
			"path", statsDBPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	// Create the server with placeholder handlers (replaced after srv exists).
	srv, err := server.New(&server.Config{
		ListenAddr:         cfg.Listen,
		Logger:             logger,
		Verbose:            cfg.Verbose,
		Injector:           frag.Injector(),
		InjectContentTypes: cfg.Inject.ContentTypes,
		Root:               cfg.Root,
		Upstream:           cfg.Upstream,
		UpstreamTimeout:    cfg.Timeouts.Upstream.Duration,
		ReadHeaderTimeout:  cfg.Timeouts.ReadHeader.Duration,
		ManagementPrefix:   cfg.Management.PathPrefix,
		HeartbeatHandler:   http.NotFound, // placeholder
		StatsHandler:       http.NotFound, // placeholder
		OnRequest:          collector.RecordRequest,
		OnFallback:         collector.RecordFallback,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Now build real handlers with the actual ServerInfo (srv).
	heartbeatHandler := probe.HeartbeatHandler(srv, &probe.FragmentInfo{
		CoreBytes:     len(frag.Core),
		PluginBytes:   len(frag.Plugin),
		PreambleBytes: frag.PreambleLen(),
		Plugins:       frag.Plugins,
	})
	var statsHandler http.HandlerFunc
	if cfg.Stats.Enabled {
		statsHandler = probe.StatsHandler(&probe.StatsProvider{
			Info:      srv,
			StatsDB:   statsDB,
			Collector: collector,
		})
	} else {
		statsHandler = probe.StatsDisabledHandler()
	}
	srv.SetHandlers(heartbeatHandler, statsHandler)
	if feed != nil {
		srv.SetLogHandlers(console.RecentHandler(feed), console.StreamHandler(feed, logger))
	}

	// Start stats flush loop.
	if statsDB != nil {
		statsDB.Start()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("wvid starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"mode", srv.Mode(),
			"root", cfg.Root,
			"upstream", cfg.Upstream,
			"log_dir", cfg.LogDir,
			"verbose", cfg.Verbose,
			"stats_enabled", cfg.Stats.Enabled,
			"log_feed", feed != nil,
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Stats DB close (with final flush) happens via defer above.

	logger.Info("wvid stopped")
	return nil
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Console-only logging: stdout carries the document.
	logger, cleanup := logging.Setup(logging.Config{
		Verbose: cfg.Verbose,
	})
	defer cleanup()

	frag, err := loadFragments(&cfg, logger)
	if err != nil {
		return err
	}

	var src io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close() //nolint:errcheck // read-only file
		src = f
	}

	n, err := io.Copy(cmd.OutOrStdout(), frag.Injector().Inject(src))
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	logger.Debug("inject complete",
		"bytes", n,
		"preamble_bytes", frag.PreambleLen(),
	)
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
