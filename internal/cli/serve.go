package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/tablesync/internal/daemon"
	"github.com/harun/tablesync/internal/logger"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server in the foreground",
	Long: `Run the session server until SIGINT or SIGTERM.
Persisted sessions are loaded before the first connection is accepted and
every session is written again on shutdown.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for the final flush")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	opts := []daemon.Option{daemon.WithVersion(version)}
	if _, err := os.Stat(cfgPath); err == nil {
		opts = append(opts, daemon.WithConfigPath(cfgPath))
	}

	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s%s\n", d.Addr(), cfg.Gateway.WSPath)
	return d.Wait(shutdownTimeout)
}
