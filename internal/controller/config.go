package controller

import (
	"time"

	"github.com/rs/zerolog"
)

// Config tunes one controller bus.
type Config struct {
	// Name labels the bus in logs.
	Name string
	// Diagnostics forwards worker log frames to the logger.
	Diagnostics bool
	// DefaultTimeout applies to every request that does not set its own.
	// Zero leaves requests pending until answered.
	DefaultTimeout time.Duration
	Logger         *zerolog.Logger
	// OnError receives protocol errors, worker runtime errors and callback
	// panics raised while routing inbound frames. Nil logs them.
	OnError func(error)
}

func DefaultConfig() Config {
	return Config{
		Name:        "controller",
		Diagnostics: true,
	}
}

// RequestOption adjusts a single SendMessage call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
}

// WithTimeout resolves the request with a CodeTimeout fault if no response
// arrives within d. A late response for the same id is dropped.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}
