package main

import (
	"fmt"
	"os"

	"github.com/23skdu/longbow-guidance/internal/config"
	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/23skdu/longbow-guidance/internal/monitoring"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "guidance",
	Short: "Adaptive classifier-free guidance for diffusion samplers",
	Long: `guidance applies per-step CFG policies (CFG++ and power-law guidance) to
recorded sampler steps stored as Arrow IPC streams.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		logger.Setup(level, format)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().String("metrics", "", "Address to serve health and Prometheus metrics")
}

// loadConfig reads --config if given and applies the flags that were set on
// the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("policy", &cfg.Policy)
	str("space", &cfg.Space)
	str("bias", &cfg.Bias)
	str("sampling", &cfg.Sampling)
	str("metrics", &cfg.MetricsAddr)
	str("flight", &cfg.FlightAddr)
	str("flight-path", &cfg.FlightPath)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	if flags.Lookup("alpha") != nil && flags.Changed("alpha") {
		cfg.Alpha, _ = flags.GetFloat64("alpha")
	}
	if flags.Lookup("print-debug") != nil && flags.Changed("print-debug") {
		cfg.PrintDebug, _ = flags.GetBool("print-debug")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// startMonitor serves health and Prometheus metrics on addr. It returns nil
// when addr is empty.
func startMonitor(addr string) *monitoring.HealthMonitor {
	if addr == "" {
		return nil
	}
	hm := monitoring.NewHealthMonitor(Version)
	go func() {
		if err := hm.Start(addr); err != nil {
			logger.Log.Error("health monitor error", "error", err)
		}
	}()
	return hm
}
