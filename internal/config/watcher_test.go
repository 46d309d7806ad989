package config

import (
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func loadForWatcher(t *testing.T, yaml string) (*Config, string) {
	t.Helper()
	path := writeConfig(t, yaml)
	t.Setenv("ENV", "local")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg, path
}

func TestWatcherDetectsLimitChange(t *testing.T) {
	cfg, path := loadForWatcher(t, validYAML)

	w := NewConfigWatcher(path, cfg, testLogger())

	var gotOld, gotNew *Config
	w.OnChange(func(old, new *Config) {
		gotOld, gotNew = old, new
	})

	// Rewrite the file with a changed limit and a backdated-then-future
	// mtime so the stat check fires deterministically.
	changed := strings.Replace(validYAML, "daily_amount_limit: 5000000", "daily_amount_limit: 9000000", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.checkForChanges()

	if gotOld == nil || gotNew == nil {
		t.Fatal("OnChange callback not invoked")
	}
	if gotOld.OrderManager.DailyAmountLimit != 5000000 {
		t.Errorf("old limit = %f", gotOld.OrderManager.DailyAmountLimit)
	}
	if gotNew.OrderManager.DailyAmountLimit != 9000000 {
		t.Errorf("new limit = %f", gotNew.OrderManager.DailyAmountLimit)
	}
	if w.Current().OrderManager.DailyAmountLimit != 9000000 {
		t.Errorf("Current() not updated")
	}
}

func TestWatcherIgnoresNonReloadableChange(t *testing.T) {
	cfg, path := loadForWatcher(t, validYAML)

	w := NewConfigWatcher(path, cfg, testLogger())
	called := false
	w.OnChange(func(old, new *Config) { called = true })

	changed := strings.Replace(validYAML, "host: localhost", "host: otherhost", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.checkForChanges()

	if called {
		t.Error("database host change should not trigger OnChange")
	}
	if w.Current().Database.Host != "localhost" {
		t.Errorf("database config must not hot-reload, got %s", w.Current().Database.Host)
	}
}

func TestWatcherKeepsOldConfigOnParseError(t *testing.T) {
	cfg, path := loadForWatcher(t, validYAML)

	w := NewConfigWatcher(path, cfg, testLogger())
	called := false
	w.OnChange(func(old, new *Config) { called = true })

	if err := os.WriteFile(path, []byte("{not yaml: ["), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.checkForChanges()

	if called {
		t.Error("parse error should not trigger OnChange")
	}
	if w.Current() != cfg {
		t.Error("Current() should still be the original config")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	cfg, path := loadForWatcher(t, validYAML)
	w := NewConfigWatcher(path, cfg, testLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
}
