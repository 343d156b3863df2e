package worker

import (
	"io"

	"github.com/rs/zerolog"
)

type Config struct {
	// Name labels the bus in local process logs.
	Name string
	// LogLevel filters lines written through Log().
	LogLevel zerolog.Level
	// Sink replaces the side-channel as the destination of Log() lines.
	Sink io.Writer
}

func DefaultConfig() Config {
	return Config{
		Name:     "worker",
		LogLevel: zerolog.InfoLevel,
	}
}
