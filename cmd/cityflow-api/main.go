package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/app"
)

var (
	listenAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cityflow-api",
	Short: "Gateway between the CityFlow simulator and its observers",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logger.Fatalf("invalid log level: %s", logLevel)
		}
		logger.SetLevel(level)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return app.Run(ctx, app.Config{ListenAddr: listenAddr, Logger: logger})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.AddCommand(serveCmd)
}
