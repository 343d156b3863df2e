package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/workerbus/internal/config"
	"github.com/danmuck/workerbus/internal/controller"
	"github.com/danmuck/workerbus/internal/logging"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	LogLevel string      `toml:"log_level" yaml:"log_level"`
	Bus      fileBusKeys `toml:"bus" yaml:"bus"`
}

type fileBusKeys struct {
	Name             string `toml:"name" yaml:"name"`
	Diagnostics      bool   `toml:"diagnostics" yaml:"diagnostics"`
	DefaultTimeout   string `toml:"default_timeout" yaml:"default_timeout"`
	DefaultTimeoutMS int64  `toml:"default_timeout_ms" yaml:"default_timeout_ms"`
}

// definedFunc reports whether a dotted key path is present in the file.
type definedFunc func(key ...string) bool

type busSettings struct {
	Controller controller.Config
	LogLevel   zerolog.Level
}

// loadBusSettings overlays keys present in the file onto controller defaults.
func loadBusSettings(path string) (busSettings, error) {
	out := busSettings{
		Controller: controller.DefaultConfig(),
		LogLevel:   zerolog.InfoLevel,
	}

	raw, defined, err := decodeSettings(path)
	if err != nil {
		return busSettings{}, fmt.Errorf("load bus config: %w", err)
	}

	if defined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return busSettings{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		out.LogLevel = lvl
	}

	if defined("bus", "name") {
		name := strings.TrimSpace(raw.Bus.Name)
		if name != "" {
			out.Controller.Name = name
		}
	}

	if defined("bus", "diagnostics") {
		out.Controller.Diagnostics = raw.Bus.Diagnostics
	}

	if defined("bus", "default_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Bus.DefaultTimeout))
		if err != nil {
			return busSettings{}, fmt.Errorf("parse default_timeout: %w", err)
		}
		out.Controller.DefaultTimeout = d
	}

	if defined("bus", "default_timeout_ms") {
		out.Controller.DefaultTimeout = time.Duration(raw.Bus.DefaultTimeoutMS) * time.Millisecond
	}

	if out.Controller.DefaultTimeout < 0 {
		return busSettings{}, fmt.Errorf("default_timeout must not be negative")
	}
	return out, nil
}

func decodeSettings(path string) (fileConfig, definedFunc, error) {
	var raw fileConfig
	if !config.IsYAML(path) {
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fileConfig{}, nil, err
		}
		return raw, meta.IsDefined, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, nil, err
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fileConfig{}, nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fileConfig{}, nil, err
	}
	return raw, func(key ...string) bool {
		node := tree
		for i, k := range key {
			v, ok := node[k]
			if !ok {
				return false
			}
			if i == len(key)-1 {
				return true
			}
			if node, ok = v.(map[string]any); !ok {
				return false
			}
		}
		return false
	}, nil
}
