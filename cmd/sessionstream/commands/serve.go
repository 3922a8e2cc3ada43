package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionstream/internal/app"
	"github.com/opencode-ai/sessionstream/internal/config"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/internal/server"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

var (
	servePort     int
	serveHostname string
	serveNoWatch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sessions over HTTP",
	Long: `Start the coordinator and expose its sessions over HTTP, with a
Server-Sent Events feed of every change and Prometheus metrics.

Configuration files are watched and limits are applied without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, else 4097)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config, else 127.0.0.1)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload configuration on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.Info().
		Str("version", Version).
		Str("directory", dir).
		Str("endpoint", cfg.TransportEndpoint).
		Str("log_file", logging.GetLogFilePath()).
		Msg("starting sessionstream server")

	a, err := app.New(app.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return err
	}

	if !serveNoWatch {
		watcher, err := config.NewWatcher(dir, a.ApplyConfig)
		if err != nil {
			logging.Warn().Err(err).Msg("config watcher disabled")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	srvCfg := serverConfig(cfg)
	srv := server.New(srvCfg, a.Facade, a.Metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(cmd.OutOrStdout(), "sessionstream listening on http://%s\n", srvCfg.Addr())

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown")
	}
	logging.Info().Msg("server stopped")
	return nil
}

// serverConfig applies the listen flags over the configured server settings.
func serverConfig(cfg *types.Config) *server.Config {
	srvCfg := server.ConfigFrom(cfg.Server)
	if servePort > 0 {
		srvCfg.Port = servePort
	}
	if serveHostname != "" {
		srvCfg.Hostname = serveHostname
	}
	return srvCfg
}
