// Command probe runs the test probe daemon: it boots the scheduler and
// serves the HTTP façade until interrupted. This is this repo's analog of
// muster's cmd/serve.go + internal/app's non-interactive run mode, rooted
// on lifecycle.Boot instead of muster's Orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/lifecycle"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// version can be set during build with -ldflags, matching muster's main.go.
var version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "probe",
	Short:        "Run the Kafka test probe daemon",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runProbe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the probe's configuration file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable verbose logging")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a boot-time FatalBooting error to a distinct nonzero status
// so supervisory tooling (systemd, k8s) can tell "bad config" apart from a
// runtime failure, matching spec.md §7's "process exits" contract for
// FatalBooting.
func exitCode(err error) int {
	if kind, ok := errs.KindOf(err); ok && kind == errs.FatalBooting {
		return 2
	}
	return 1
}

func runProbe(cmd *cobra.Command, args []string) error {
	sup, err := lifecycle.Boot(configPath, debug)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    sup.Config.HTTP.ListenAddr,
		Handler: sup.Server,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("probe", "listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-sigChan:
		logging.Info("probe", "shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-serveErr
}
