package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/khayzz13/keystone/host/netpolicy"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Name != filepath.Base(root) {
		t.Errorf("Expected name %q, got %q", filepath.Base(root), cfg.Name)
	}
	if cfg.Services.Dir != "services" {
		t.Errorf("Expected services dir 'services', got %q", cfg.Services.Dir)
	}
	if cfg.Plugins.Dir != "dylib" {
		t.Errorf("Expected plugins dir 'dylib', got %q", cfg.Plugins.Dir)
	}
	if cfg.Network.Mode != netpolicy.ModeAuto {
		t.Errorf("Expected network mode auto, got %q", cfg.Network.Mode)
	}
	if cfg.SourceFile != "" {
		t.Errorf("Expected no source file, got %q", cfg.SourceFile)
	}
	if cfg.Packaged {
		t.Error("Expected dev mode when no resolved file exists")
	}
	if !cfg.EvalEnabled() {
		t.Error("Expected eval enabled by default in dev mode")
	}
	if !cfg.GatewayEnabled() {
		t.Error("Expected gateway enabled by default in dev mode")
	}
}

func TestLoadPrimaryFileWithComments(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, PrimaryFile, `{
  // App identity.
  "name": "atlas",
  "services": {"dir": "svc"},
  "workers": [
    {
      "name": "tiles",
      "servicesDir": "svc/tiles",
      "browserAccess": true,
      "maxRestarts": 3,
      "backoffBaseMs": 250,
      "allowedChannels": ["tiles", "search"], // trailing comma below is fine
    },
  ],
  "network": {
    "mode": "allow-list",
    "allowedDomains": ["api.example.com", "*.cdn.example.com"],
  },
  "eval": {"enabled": false},
}`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Name != "atlas" {
		t.Errorf("Expected name 'atlas', got %q", cfg.Name)
	}
	if cfg.Services.Dir != "svc" {
		t.Errorf("Expected services dir 'svc', got %q", cfg.Services.Dir)
	}
	if cfg.Plugins.Dir != "dylib" {
		t.Errorf("Expected default plugins dir, got %q", cfg.Plugins.Dir)
	}
	if cfg.SourceFile != PrimaryFile {
		t.Errorf("Expected source %q, got %q", PrimaryFile, cfg.SourceFile)
	}

	if len(cfg.Workers) != 1 {
		t.Fatalf("Expected 1 worker, got %d", len(cfg.Workers))
	}
	w := cfg.Workers[0]
	if w.Name != "tiles" || w.ServicesDir != "svc/tiles" || !w.BrowserAccess {
		t.Errorf("Unexpected worker entry: %+v", w)
	}
	if w.MaxRestarts != 3 || w.BackoffBaseMs != 250 {
		t.Errorf("Unexpected worker restart settings: %+v", w)
	}
	if len(w.AllowedChannels) != 2 || w.AllowedChannels[0] != "tiles" {
		t.Errorf("Unexpected allowed channels: %v", w.AllowedChannels)
	}

	if cfg.Network.Mode != netpolicy.ModeAllowList {
		t.Errorf("Expected allow-list mode, got %q", cfg.Network.Mode)
	}
	if len(cfg.Network.AllowedDomains) != 2 {
		t.Errorf("Expected 2 allowed domains, got %v", cfg.Network.AllowedDomains)
	}
	if cfg.EvalEnabled() {
		t.Error("Expected eval disabled by explicit setting")
	}
}

func TestLoadFileOrder(t *testing.T) {
	t.Run("primary beats fallback", func(t *testing.T) {
		root := t.TempDir()
		writeConfig(t, root, PrimaryFile, `{"name": "primary"}`)
		writeConfig(t, root, FallbackFile, `{"name": "fallback"}`)

		cfg, err := Load(root)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Name != "primary" || cfg.SourceFile != PrimaryFile {
			t.Errorf("Expected primary file to win, got %q from %q", cfg.Name, cfg.SourceFile)
		}
	})

	t.Run("fallback used alone", func(t *testing.T) {
		root := t.TempDir()
		writeConfig(t, root, FallbackFile, `{"name": "fallback"}`)

		cfg, err := Load(root)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Name != "fallback" || cfg.SourceFile != FallbackFile {
			t.Errorf("Expected fallback file, got %q from %q", cfg.Name, cfg.SourceFile)
		}
	})

	t.Run("resolved beats both and marks packaged", func(t *testing.T) {
		root := t.TempDir()
		writeConfig(t, root, ResolvedFile, `{"name": "shipped"}`)
		writeConfig(t, root, PrimaryFile, `{"name": "dev"}`)

		cfg, err := Load(root)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Name != "shipped" || cfg.SourceFile != ResolvedFile {
			t.Errorf("Expected resolved file to win, got %q from %q", cfg.Name, cfg.SourceFile)
		}
		if !cfg.Packaged {
			t.Error("Expected packaged mode with resolved file")
		}
		if cfg.EvalEnabled() {
			t.Error("Expected eval disabled by default when packaged")
		}
		if cfg.GatewayEnabled() {
			t.Error("Expected gateway disabled by default when packaged")
		}
	})
}

func TestLoadSchemaViolations(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, PrimaryFile, `{
  "workers": [{"browserAccess": true}],
  "network": {"mode": "everything"}
}`)

	_, err := Load(root)
	if err == nil {
		t.Fatal("Expected schema violations to fail the load")
	}
	msg := err.Error()
	if !strings.Contains(msg, "name is required") {
		t.Errorf("Expected missing-name violation in error, got: %v", err)
	}
	if !strings.Contains(msg, "must be one of") {
		t.Errorf("Expected network mode violation in error, got: %v", err)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, PrimaryFile, `{"name": "broken"`)

	_, err := Load(root)
	if err == nil {
		t.Fatal("Expected malformed config to fail the load")
	}
}

func TestLoadWorkerValidation(t *testing.T) {
	t.Run("duplicate names", func(t *testing.T) {
		root := t.TempDir()
		writeConfig(t, root, PrimaryFile, `{
  "name": "atlas",
  "workers": [{"name": "tiles"}, {"name": "tiles"}]
}`)

		_, err := Load(root)
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("Expected duplicate worker error, got: %v", err)
		}
	})

	t.Run("reserved primary name", func(t *testing.T) {
		root := t.TempDir()
		writeConfig(t, root, PrimaryFile, `{
  "name": "atlas",
  "workers": [{"name": "main"}]
}`)

		_, err := Load(root)
		if err == nil || !strings.Contains(err.Error(), "reserved") {
			t.Errorf("Expected reserved name error, got: %v", err)
		}
	})
}

func TestEvalAndGatewayOverrides(t *testing.T) {
	on := true
	off := false

	tests := []struct {
		name    string
		cfg     Config
		eval    bool
		gateway bool
	}{
		{"dev defaults", Config{}, true, true},
		{"packaged defaults", Config{Packaged: true}, false, false},
		{"packaged with overrides", Config{Packaged: true, Eval: EvalConfig{Enabled: &on}, Gateway: GatewayConfig{Enabled: &on}}, true, true},
		{"dev with overrides", Config{Eval: EvalConfig{Enabled: &off}, Gateway: GatewayConfig{Enabled: &off}}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EvalEnabled(); got != tt.eval {
				t.Errorf("Expected eval %v, got %v", tt.eval, got)
			}
			if got := tt.cfg.GatewayEnabled(); got != tt.gateway {
				t.Errorf("Expected gateway %v, got %v", tt.gateway, got)
			}
		})
	}
}

func TestResolveRoot(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv("KEYSTONE_ROOT", "/elsewhere")
		dir := t.TempDir()

		root, err := ResolveRoot(dir)
		if err != nil {
			t.Fatalf("ResolveRoot failed: %v", err)
		}
		if root != dir {
			t.Errorf("Expected %q, got %q", dir, root)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KEYSTONE_ROOT", dir)

		root, err := ResolveRoot("")
		if err != nil {
			t.Fatalf("ResolveRoot failed: %v", err)
		}
		if root != dir {
			t.Errorf("Expected %q, got %q", dir, root)
		}
	})

	t.Run("working directory fallback", func(t *testing.T) {
		t.Setenv("KEYSTONE_ROOT", "")

		root, err := ResolveRoot("")
		if err != nil {
			t.Fatalf("ResolveRoot failed: %v", err)
		}
		wd, _ := os.Getwd()
		if root != wd {
			t.Errorf("Expected %q, got %q", wd, root)
		}
	})
}

func TestLoadDevExtensions(t *testing.T) {
	t.Setenv("KEYSTONE_DEV_EXTENSIONS", "/tmp/devext")
	root := t.TempDir()

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DevExtensions != "/tmp/devext" {
		t.Errorf("Expected dev extensions path, got %q", cfg.DevExtensions)
	}
}

func TestLoadFileExplicitPath(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	writeConfig(t, root, ResolvedFile, `{"name": "ignored"}`)
	writeConfig(t, other, "staging.jsonc", `{
		// staging overrides
		"name": "staging",
	}`)

	cfg, err := LoadFile(root, filepath.Join(other, "staging.jsonc"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Name != "staging" {
		t.Errorf("Expected name 'staging', got %q", cfg.Name)
	}
	if cfg.SourceFile != "staging.jsonc" {
		t.Errorf("Expected source file 'staging.jsonc', got %q", cfg.SourceFile)
	}
	if cfg.Packaged {
		t.Error("Expected explicit config files to never mark the build packaged")
	}
	if cfg.Root != root {
		t.Errorf("Expected root %q, got %q", root, cfg.Root)
	}
}

func TestLoadFileMissing(t *testing.T) {
	root := t.TempDir()
	if _, err := LoadFile(root, filepath.Join(root, "absent.json")); err == nil {
		t.Error("Expected an error for a missing explicit config file")
	}
}
