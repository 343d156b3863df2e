package worker

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/danmuck/workerbus/internal/protocol/frame"
)

// intercept runs fn and reports a panic as a fault frame.
func (b *Bus) intercept(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			file, line := panicSite()
			b.postFault(fmt.Sprint(r), file, line)
		}
	}()
	fn()
}

// panicSite returns the location of the frame that panicked. It must be
// called from the deferred recover function.
func panicSite() (string, int) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	panicking := false
	for {
		fr, more := frames.Next()
		switch {
		case fr.Function == "runtime.gopanic":
			panicking = true
		case panicking && !runtimeFrame(fr.Function):
			return fr.File, fr.Line
		}
		if !more {
			return "unknown", 0
		}
	}
}

func faultMessage(msg, file string, line int) string {
	return fmt.Sprintf("Worker error %s in line %d in file %s", msg, line, file)
}

func (b *Bus) postFault(msg, file string, line int) {
	report := frame.Fault{Code: frame.CodeUnknown, Message: faultMessage(msg, file, line)}
	b.local.Error().Str("file", file).Int("line", line).Msg(msg)
	payload, err := frame.NewPayload(report)
	if err != nil {
		b.local.Error().Err(err).Msg("encode fault report")
		return
	}
	if err := b.post(frame.Frame{Action: frame.ActionFault, Payload: payload}); err != nil {
		b.local.Error().Err(err).Msg("post fault report")
	}
}

func runtimeFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "internal/runtime/")
}
