package cli

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"maxidomd/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "maxidomd",
	Short: "Behavioral lockdown daemon",
	Long: "Watches how the user interacts with attached surfaces, sends session summaries to a\n" +
		"classification service and locks every surface behind a password challenge when\n" +
		"the service reports an anomaly.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: search ./maxidomd.* then the data directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// applyFlags layers command-line overrides on top of file and environment.
func applyFlags(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// loadConfig is the read-only load used by client commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// hubAddr is where a local client reaches the hub. Wildcard listen
// addresses are reached over loopback.
func hubAddr(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		return cfg.Server.ListenAddr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func hubURL(cfg *config.Config, scheme, path string) string {
	return scheme + "://" + hubAddr(cfg) + path
}

var errDaemonUnreachable = errors.New("daemon is not reachable; is 'maxidomd run' active?")
