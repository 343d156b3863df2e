package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/workerbus/internal/admin"
	"github.com/danmuck/workerbus/internal/auth"
	"github.com/danmuck/workerbus/internal/bridge"
	"github.com/danmuck/workerbus/internal/config"
	"github.com/danmuck/workerbus/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker and serve the admin API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logging.ConfigureRuntime()

		host, err := config.LoadHostConfig(runConfigPath)
		if err != nil {
			return err
		}
		settings, err := loadBusSettings(runConfigPath)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(settings.LogLevel)
		timeout, err := host.Timeout()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus, err := openBus(ctx, host, settings.Controller)
		if err != nil {
			return err
		}
		defer bus.Terminate()

		srv := admin.New(bus, admin.Options{
			Name:           host.Name,
			Addr:           host.Addr,
			CorsOrigins:    host.CorsOrigins,
			Validator:      auth.FromToken(host.Token),
			RequestTimeout: timeout,
		})

		// A worker that goes away takes the host down with it.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-bus.Done():
				log.Warn().Str("bus", bus.ID()).Msg("worker channel closed")
				cancel()
			case <-ctx.Done():
			}
		}()

		if host.MQTT.Enabled() {
			stopBridge, err := startBridge(ctx, host.MQTT, bus)
			if err != nil {
				return err
			}
			defer stopBridge()
		}

		log.Info().Str("node", host.Name).Str("bus", bus.ID()).Msg("busctl running")
		return srv.Serve(ctx)
	},
}

func startBridge(ctx context.Context, cfg config.MQTTConfig, bus bridge.Bus) (func(), error) {
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	bcfg := bridge.Config{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		TopicPrefix:    cfg.TopicPrefix,
		Actions:        cfg.Actions,
		QoS:            byte(cfg.QoS),
		Control:        cfg.Control,
		RequestTimeout: timeout,
		Encoding:       cfg.Encoding,
	}
	client, err := bridge.Connect(bcfg)
	if err != nil {
		return nil, err
	}
	br := bridge.New(bcfg, client, bus)
	if err := br.Start(ctx); err != nil {
		bridge.Disconnect(client)
		return nil, err
	}
	return func() {
		br.Stop()
		bridge.Disconnect(client)
		s := br.Stats()
		log.Info().Uint64("published", s.Published).Uint64("forwarded", s.Forwarded).Uint64("errors", s.Errors).Msg("mqtt bridge stopped")
	}, nil
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "busctl.toml", "Path to the host config file")
	rootCmd.AddCommand(runCmd)
}
