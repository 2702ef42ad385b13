package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/companion"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve a local trainer to companion clients",
	Long: `Expose the trainer reachable from this host over the companion WebSocket
protocol, so other machines can use it with --transport companion.

The local transport is chosen as for other commands, except that the
companion transport itself cannot be bridged.`,
	Example: `  trainerctl bridge --listen :8765
  trainerctl bridge --simulate ftms`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().String("listen", "", "Address to listen on (default :8765)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	adapter, err := s.newAdapter()
	if err != nil {
		return err
	}
	if adapter.Transport() == trainer.TransportCompanion {
		return errors.New("bridge needs a local transport; set --transport ftms or ant, or --simulate")
	}
	defer func() {
		if closer, ok := adapter.(interface{ Close() error }); ok {
			_ = closer.Close()
		} else {
			_ = adapter.Disconnect()
		}
	}()

	bridge := companion.NewBridge(adapter, s.logger)
	mux := http.NewServeMux()
	mux.Handle("/", bridge)

	server := &http.Server{
		Addr:              s.cfg.Bridge.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("trainerctl: bridging %s on %s", adapter.Transport(), server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("trainerctl: shutting down bridge")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
