package worker

import (
	"strings"

	"github.com/danmuck/workerbus/internal/protocol/frame"
)

// sideChannel is an io.Writer that posts each log line as an INTERNAL_LOG frame.
type sideChannel struct {
	bus *Bus
}

func (s sideChannel) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	payload, err := frame.NewPayload(line)
	if err != nil {
		return 0, err
	}
	if err := s.bus.post(frame.Frame{Action: frame.ActionLog, Payload: payload}); err != nil {
		// Losing a log line must not fail the caller.
		s.bus.local.Debug().Err(err).Msg("log line dropped")
	}
	return len(p), nil
}
