package main

import (
	"context"

	"github.com/danmuck/workerbus/internal/channel"
	"github.com/danmuck/workerbus/internal/config"
	"github.com/danmuck/workerbus/internal/controller"
)

// openBus spawns or dials the worker named by host.
func openBus(ctx context.Context, host config.HostConfig, cfg controller.Config) (*controller.Bus, error) {
	if host.Worker.Remote() {
		dial := channel.DefaultDialConfig()
		dial.Token = host.Worker.Token
		return controller.Dial(ctx, host.Worker.URL, dial, cfg)
	}
	return controller.Open(ctx, host.Worker.Path, cfg, host.Worker.Args...)
}
