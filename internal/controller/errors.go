package controller

import (
	"errors"
	"fmt"
)

var (
	ErrReservedAction = errors.New("controller: reserved action")
	ErrTerminated     = errors.New("controller: bus terminated")
	ErrRequestTimeout = errors.New("controller: request timed out")
)

// ProtocolError reports a response whose id matches no pending request.
// It indicates a correlation bug on one side of the bus.
type ProtocolError struct {
	ID     uint64
	Action string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("controller: no pending request for id %d (action %s)", e.ID, e.Action)
}

// WorkerRuntimeError is an uncaught fault reported by the worker. The worker
// keeps running after sending it.
type WorkerRuntimeError struct {
	Code    int32
	Message string
}

func (e *WorkerRuntimeError) Error() string {
	return fmt.Sprintf("controller: worker error (%d) %s", e.Code, e.Message)
}

// CallbackPanicError wraps a panic raised by a response callback or subscriber.
type CallbackPanicError struct {
	Action string
	ID     uint64
	Value  any
}

func (e *CallbackPanicError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("controller: subscriber for %s panicked: %v", e.Action, e.Value)
	}
	return fmt.Sprintf("controller: callback for %s id=%d panicked: %v", e.Action, e.ID, e.Value)
}
