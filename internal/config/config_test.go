package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8090" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Assignment.CacheSize != 256 {
		t.Fatalf("cache size = %d", cfg.Assignment.CacheSize)
	}
	if cfg.Storage.BusyTimeoutMS != 5000 {
		t.Fatalf("busy timeout = %d", cfg.Storage.BusyTimeoutMS)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\nauth:\n  superusers: [root]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.App.Name != "octoflow" {
		t.Fatalf("name should keep default, got %s", cfg.App.Name)
	}
	if !cfg.IsSuperuser("root") || cfg.IsSuperuser("alice") {
		t.Fatal("superuser lookup wrong")
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("app:\n  name: \"\"\n")); err == nil {
		t.Fatal("expected error for empty app name")
	}
	if _, err := FromYAML([]byte("assignment:\n  cache_size: -1\n")); err == nil {
		t.Fatal("expected error for negative cache size")
	}
	if _, err := FromYAML([]byte("storage:\n  busy_timeout_ms: -1\n")); err == nil {
		t.Fatal("expected error for negative busy timeout")
	}
	if _, err := FromYAML([]byte(":\n bad")); err == nil {
		t.Fatal("expected yaml error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.App.Name != "octoflow" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}

	path := filepath.Join(dir, "octoflow.yml")
	if err := os.WriteFile(path, []byte("app:\n  name: orders\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.App.Name != "orders" {
		t.Fatalf("name = %s", cfg.App.Name)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load should fail when the file is missing")
	}
}
