package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/config"
)

var (
	// cfg and logger are loaded once for every subcommand
	cfg    *config.Config
	logger *slog.Logger

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "kiosk",
	Short:         "Face-recognition attendance kiosk",
	Version:       handler.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		// stdout belongs to the wizard; logs go to stderr
		env := "quiet"
		if verbose {
			env = "development"
		}
		logger = config.NewLoggerTo(os.Stderr, env)
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

// tokenFlag falls back to KIOSK_TOKEN so tokens stay out of shell history.
func tokenFlag(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("KIOSK_TOKEN"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("an access token is required: pass --token or set KIOSK_TOKEN")
}
