package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/workerbus/internal/config"
	"github.com/danmuck/workerbus/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadBusSettingsExampleFile(t *testing.T) {
	testlog.Start(t)
	settings, err := loadBusSettings("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if settings.Controller.Name != "bench" {
		t.Fatalf("unexpected bus name: %q", settings.Controller.Name)
	}
	if settings.Controller.Diagnostics {
		t.Fatalf("expected diagnostics disabled")
	}
	if settings.Controller.DefaultTimeout != 30*time.Second {
		t.Fatalf("unexpected default timeout: %v", settings.Controller.DefaultTimeout)
	}
	if settings.LogLevel != zerolog.DebugLevel {
		t.Fatalf("unexpected log level: %v", settings.LogLevel)
	}

	host, err := config.LoadHostConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load host config: %v", err)
	}
	if host.Name != "busctl.local" || host.Worker.Path != "busworker" || len(host.Worker.Args) != 2 {
		t.Fatalf("unexpected host config: %+v", host)
	}
}

func TestLoadBusSettingsDefaultsWhenUnset(t *testing.T) {
	testlog.Start(t)
	settings, err := loadBusSettings(writeConfig(t, `name = "only-host-keys"`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if settings.Controller.Name != "controller" || !settings.Controller.Diagnostics {
		t.Fatalf("defaults not kept: %+v", settings.Controller)
	}
	if settings.Controller.DefaultTimeout != 0 {
		t.Fatalf("unexpected default timeout: %v", settings.Controller.DefaultTimeout)
	}
}

func TestLoadBusSettingsTimeoutMillis(t *testing.T) {
	testlog.Start(t)
	settings, err := loadBusSettings(writeConfig(t, `
[bus]
default_timeout_ms = 1200
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if settings.Controller.DefaultTimeout != 1200*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", settings.Controller.DefaultTimeout)
	}
}

func TestLoadBusSettingsBadValues(t *testing.T) {
	testlog.Start(t)
	for _, content := range []string{
		"[bus]\ndefault_timeout = \"abc\"\n",
		"[bus]\ndefault_timeout = \"-1s\"\n",
		"log_level = \"loud\"\n",
	} {
		if _, err := loadBusSettings(writeConfig(t, content)); err == nil {
			t.Fatalf("expected parse error for %q", content)
		}
	}
}

func TestLoadBusSettingsYAML(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "busctl.yml")
	body := "log_level: warn\nbus:\n  diagnostics: false\n  default_timeout: 2s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	settings, err := loadBusSettings(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if settings.LogLevel != zerolog.WarnLevel || settings.Controller.Diagnostics {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	if settings.Controller.Name != "controller" || settings.Controller.DefaultTimeout != 2*time.Second {
		t.Fatalf("unexpected controller: %+v", settings.Controller)
	}
}

func TestCallTargetFromFlags(t *testing.T) {
	testlog.Start(t)
	callConfigPath, callWorker, callURL = "", config.DefaultWorkerPath, "ws://127.0.0.1:7401/bus"
	t.Cleanup(func() { callURL = "" })

	host, _, err := callTarget()
	if err != nil {
		t.Fatalf("call target: %v", err)
	}
	if !host.Worker.Remote() || host.Worker.Path != "" {
		t.Fatalf("unexpected worker target: %+v", host.Worker)
	}
}
