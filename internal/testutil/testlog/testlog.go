package testlog

import (
	"context"
	"testing"

	"github.com/danmuck/workerbus/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Context stands in for testing.T.Context (Go 1.24+): a context canceled
// when the test finishes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
