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

	"github.com/danmuck/workerbus/internal/auth"
	"github.com/danmuck/workerbus/internal/channel"
	"github.com/danmuck/workerbus/internal/config"
	"github.com/danmuck/workerbus/internal/device"
	"github.com/danmuck/workerbus/internal/logging"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/danmuck/workerbus/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	token      string
	pins       int
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "busworker",
	Short:         "Serve the IO board emulator as a bus worker",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// stdout may carry frames, so process logs stay on stderr.
		logging.ConfigureRuntime()

		node := config.WorkerNodeConfig{Name: "busworker", Listen: listenAddr, Token: token, Pins: pins}
		if configPath != "" {
			loaded, err := config.LoadWorkerNodeConfig(configPath)
			if err != nil {
				return err
			}
			node = mergeFlags(cmd, loaded)
		}

		wcfg := worker.DefaultConfig()
		wcfg.Name = node.Name
		if lvl, ok := logging.ParseLevel(logLevel); ok {
			wcfg.LogLevel = lvl
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		board := device.NewBoard(node.Pins)
		if node.Listen == "" {
			bus := worker.New(channel.Stdio(), board.Handle, wcfg)
			return bus.Serve(ctx)
		}
		return listen(ctx, node, board, wcfg)
	},
}

// mergeFlags lets explicit flags win over the file.
func mergeFlags(cmd *cobra.Command, node config.WorkerNodeConfig) config.WorkerNodeConfig {
	if cmd.Flags().Changed("listen") {
		node.Listen = listenAddr
	}
	if cmd.Flags().Changed("token") {
		node.Token = token
	}
	if cmd.Flags().Changed("pins") {
		node.Pins = pins
	}
	return node
}

// listen serves one worker bus per websocket connection. All connections
// share the same board and every one of them hears IO_CHANGED.
func listen(ctx context.Context, node config.WorkerNodeConfig, board *device.Board, wcfg worker.Config) error {
	mux := http.NewServeMux()
	mux.Handle("/bus", auth.Require(auth.FromToken(node.Token), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := channel.AcceptWebSocket(w, r, frame.DefaultLimits())
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("controller connected")
		bus := worker.New(ws, board.Handle, wcfg)
		detach := board.Attach(bus)
		_ = bus.Serve(ctx)
		detach()
		log.Info().Str("remote", r.RemoteAddr).Msg("controller disconnected")
	})))

	srv := &http.Server{Addr: node.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", node.Listen).Int("pins", node.Pins).Msg("busworker listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to the worker config file")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve over websocket on this address instead of stdio")
	rootCmd.Flags().StringVar(&token, "token", "", "Bearer token required from controllers (with --listen)")
	rootCmd.Flags().IntVar(&pins, "pins", device.DefaultPins, "Number of emulated IO pins")
	rootCmd.Flags().StringVar(&logLevel, "log-level", zerolog.InfoLevel.String(), "Side-channel log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "busworker: %v\n", err)
		os.Exit(1)
	}
}
