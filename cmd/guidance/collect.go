package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/longbow-guidance/internal/flight"
	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/spf13/cobra"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run an Arrow Flight collector for guidance traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		startMonitor(cfg.MetricsAddr)

		srv, err := flight.NewServer(addr, flight.NewCollector())
		if err != nil {
			return err
		}
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			logger.Log.Info("shutting down collector")
			srv.Shutdown()
		}()

		logger.Log.Info("collector listening", "addr", srv.Addr().String())
		return srv.Serve()
	},
}

func init() {
	collectCmd.Flags().String("addr", "localhost:3000", "Address to listen on")
	rootCmd.AddCommand(collectCmd)
}
