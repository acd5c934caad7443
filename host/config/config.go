// Package config loads the Keystone app configuration from the app root:
// keystone.config.json (JSONC accepted), the keystone.json fallback, or the
// keystone.resolved.json a packaged build ships.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"

	"github.com/khayzz13/keystone/host/netpolicy"
)

// File names probed at the app root, in order. The resolved file only
// exists in packaged builds; finding it switches the host to packaged mode.
const (
	ResolvedFile = "keystone.resolved.json"
	PrimaryFile  = "keystone.config.json"
	FallbackFile = "keystone.json"
)

// WorkerEntry configures one named worker peer.
type WorkerEntry struct {
	Name            string   `json:"name"`
	ServicesDir     string   `json:"servicesDir"`
	BrowserAccess   bool     `json:"browserAccess"`
	MaxRestarts     int      `json:"maxRestarts"`
	BackoffBaseMs   int      `json:"backoffBaseMs"`
	AllowedChannels []string `json:"allowedChannels"`
}

// ServicesConfig locates the primary peer's service modules.
type ServicesConfig struct {
	Dir string `json:"dir"`
}

// PluginsConfig locates native plugin builds.
type PluginsConfig struct {
	Dir string `json:"dir"`
}

// EvalConfig gates code evaluation in peers. A nil Enabled defers to the
// mode default: on in dev, off when packaged.
type EvalConfig struct {
	Enabled *bool `json:"enabled"`
}

// GatewayConfig controls the loopback dev gateway. A nil Enabled defers to
// the mode default: on in dev, off when packaged. Port 0 picks a free port.
type GatewayConfig struct {
	Enabled *bool `json:"enabled"`
	Port    int   `json:"port"`
}

// Config is the loaded app configuration plus facts derived at load time.
type Config struct {
	Name     string           `json:"name"`
	Services ServicesConfig   `json:"services"`
	Plugins  PluginsConfig    `json:"plugins"`
	Workers  []WorkerEntry    `json:"workers"`
	Network  netpolicy.Config `json:"network"`
	Eval     EvalConfig       `json:"eval"`
	Gateway  GatewayConfig    `json:"gateway"`

	// Derived, never read from the file.
	Root          string `json:"-"`
	Packaged      bool   `json:"-"`
	SourceFile    string `json:"-"` // which candidate was loaded, "" when none existed
	DevExtensions string `json:"-"` // KEYSTONE_DEV_EXTENSIONS, dev plugin builds
}

// EvalEnabled resolves the eval gate against the packaged default.
func (c *Config) EvalEnabled() bool {
	if c.Eval.Enabled != nil {
		return *c.Eval.Enabled
	}
	return !c.Packaged
}

// GatewayEnabled resolves the gateway gate against the packaged default.
func (c *Config) GatewayEnabled() bool {
	if c.Gateway.Enabled != nil {
		return *c.Gateway.Enabled
	}
	return !c.Packaged
}

// ResolveRoot picks the app root: the explicit flag value, then
// KEYSTONE_ROOT, then the working directory.
func ResolveRoot(flagValue string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	if env := os.Getenv("KEYSTONE_ROOT"); env != "" {
		return filepath.Abs(env)
	}
	return os.Getwd()
}

// Load reads the configuration at the given app root. A root with no config
// file at all yields defaults with the name taken from the directory.
func Load(root string) (*Config, error) {
	candidates := []struct {
		name     string
		packaged bool
	}{
		{ResolvedFile, true},
		{PrimaryFile, false},
		{FallbackFile, false},
	}

	cfg := &Config{
		Root:          root,
		DevExtensions: os.Getenv("KEYSTONE_DEV_EXTENSIONS"),
	}

	var data []byte
	for _, candidate := range candidates {
		path := filepath.Join(root, candidate.name)
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		data = b
		cfg.SourceFile = candidate.name
		cfg.Packaged = candidate.packaged
		break
	}

	if data != nil {
		plain := jsonc.ToJSON(data)
		if err := validateSchema(plain); err != nil {
			return nil, fmt.Errorf("config %s: %w", cfg.SourceFile, err)
		}
		if err := json.Unmarshal(plain, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfg.SourceFile, err)
		}
	}

	applyDefaults(cfg, root)
	if err := checkWorkers(cfg.Workers); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads an explicitly named configuration file, bypassing the
// candidate probe. The file must exist. Explicit files never mark the build
// packaged, whatever they are called.
func LoadFile(root, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		Root:          root,
		SourceFile:    filepath.Base(path),
		DevExtensions: os.Getenv("KEYSTONE_DEV_EXTENSIONS"),
	}

	plain := jsonc.ToJSON(data)
	if err := validateSchema(plain); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfg.SourceFile, err)
	}
	if err := json.Unmarshal(plain, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", cfg.SourceFile, err)
	}

	applyDefaults(cfg, root)
	if err := checkWorkers(cfg.Workers); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, root string) {
	if cfg.Name == "" {
		cfg.Name = filepath.Base(root)
	}
	if cfg.Services.Dir == "" {
		cfg.Services.Dir = "services"
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = "dylib"
	}
	if cfg.Network.Mode == "" {
		cfg.Network.Mode = netpolicy.ModeAuto
	}
}

func checkWorkers(workers []WorkerEntry) error {
	seen := make(map[string]bool)
	for _, w := range workers {
		if w.Name == "" {
			return fmt.Errorf("worker entries require a name")
		}
		if w.Name == "main" {
			return fmt.Errorf("worker name %q is reserved for the primary peer", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// configSchema is the draft-07 shape check run before unmarshaling, so an
// operator sees every violation at once instead of the first parse error.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "services": {
      "type": "object",
      "properties": {"dir": {"type": "string"}}
    },
    "plugins": {
      "type": "object",
      "properties": {"dir": {"type": "string"}}
    },
    "workers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "servicesDir": {"type": "string"},
          "browserAccess": {"type": "boolean"},
          "maxRestarts": {"type": "integer", "minimum": 0},
          "backoffBaseMs": {"type": "integer", "minimum": 0},
          "allowedChannels": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "network": {
      "type": "object",
      "properties": {
        "mode": {"enum": ["auto", "allow-list", "disabled"]},
        "allowedDomains": {"type": "array", "items": {"type": "string"}}
      }
    },
    "eval": {
      "type": "object",
      "properties": {"enabled": {"type": "boolean"}}
    },
    "gateway": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535}
      }
    }
  }
}`

func validateSchema(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(details, "; "))
	}
	return nil
}
