package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/workerbus/internal/config"
	"github.com/danmuck/workerbus/internal/controller"
	"github.com/danmuck/workerbus/internal/logging"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/spf13/cobra"
)

var (
	callConfigPath string
	callWorker     string
	callURL        string
	callToken      string
	callPayload    string
	callTimeout    time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call ACTION",
	Short: "Send one request to the worker and print the response frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()

		host, busCfg, err := callTarget()
		if err != nil {
			return err
		}

		var payload any
		if callPayload != "" {
			if !json.Valid([]byte(callPayload)) {
				return fmt.Errorf("--payload: %w", frame.ErrInvalidPayload)
			}
			payload = json.RawMessage(callPayload)
		}

		ctx := cmd.Context()
		bus, err := openBus(ctx, host, busCfg)
		if err != nil {
			return err
		}
		defer bus.Terminate()

		var opts []controller.RequestOption
		if callTimeout > 0 {
			opts = append(opts, controller.WithTimeout(callTimeout))
		}
		f, err := bus.Request(ctx, args[0], payload, opts...)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	},
}

// callTarget resolves the worker from --config when given, else from flags.
func callTarget() (config.HostConfig, controller.Config, error) {
	if callConfigPath != "" {
		host, err := config.LoadHostConfig(callConfigPath)
		if err != nil {
			return config.HostConfig{}, controller.Config{}, err
		}
		settings, err := loadBusSettings(callConfigPath)
		if err != nil {
			return config.HostConfig{}, controller.Config{}, err
		}
		return host, settings.Controller, nil
	}
	host := config.HostConfig{Worker: config.WorkerConfig{Path: callWorker, URL: callURL, Token: callToken}}
	if callURL != "" {
		host.Worker.Path = ""
	}
	config.ApplyHostDefaults(&host)
	if err := config.ValidateHostConfig(host); err != nil {
		return config.HostConfig{}, controller.Config{}, err
	}
	return host, controller.DefaultConfig(), nil
}

func init() {
	callCmd.Flags().StringVar(&callConfigPath, "config", "", "Path to the host config file (overrides worker flags)")
	callCmd.Flags().StringVar(&callWorker, "worker", config.DefaultWorkerPath, "Worker executable to spawn")
	callCmd.Flags().StringVar(&callURL, "url", "", "Websocket URL of a listening worker")
	callCmd.Flags().StringVar(&callToken, "token", "", "Bearer token for --url")
	callCmd.Flags().StringVar(&callPayload, "payload", "", "JSON payload")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 5*time.Second, "Request deadline (0 waits forever)")
	rootCmd.AddCommand(callCmd)
}
