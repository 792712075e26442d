package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/autoform/client/internal/backend"
	"github.com/zhouzirui/autoform/client/internal/config"
)

var (
	logger     = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	cfg        *config.Config
	backendURL string
)

var rootCmd = &cobra.Command{
	Use:           "autoform",
	Short:         "Voice client for the AutoForm form-filling backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to load .env, using process environment only", "err", err)
		}

		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if backendURL != "" {
			if err := config.ValidateBackendURL(backendURL); err != nil {
				return err
			}
			loaded.Backend.URL = backendURL
		}
		logger.SetLevel(loaded.LogLevel)
		log.SetDefault(logger)
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "AutoForm backend URL (overrides AUTOFORM_BACKEND_URL)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(formCmd)
}

func newBackend() *backend.Client {
	return backend.NewClient(cfg.Backend.URL, nil, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("command failed", "err", err)
	}
}
