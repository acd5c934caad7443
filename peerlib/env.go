package peerlib

import (
	"os"
	"strings"
)

// Config carries the contract the host passes a spawned peer through its
// environment. FromEnv is the usual constructor; tests build one directly.
type Config struct {
	WorkerName      string
	ServicesDir     string
	BrowserAccess   bool
	Root            string
	ExtensionHost   bool
	AllowedChannels []string
}

// FromEnv reads the KEYSTONE_ environment the host sets on spawn.
func FromEnv() Config {
	cfg := Config{
		WorkerName:    os.Getenv("KEYSTONE_WORKER_NAME"),
		ServicesDir:   os.Getenv("KEYSTONE_SERVICES_DIR"),
		BrowserAccess: os.Getenv("KEYSTONE_BROWSER_ACCESS") == "1",
		Root:          os.Getenv("KEYSTONE_ROOT"),
		ExtensionHost: os.Getenv("KEYSTONE_EXTENSION_HOST") == "1",
	}
	if raw := os.Getenv("KEYSTONE_ALLOWED_CHANNELS"); raw != "" {
		cfg.AllowedChannels = strings.Split(raw, ",")
	}
	return cfg
}

// ChannelAllowed reports whether the peer may carry traffic on the channel.
// An absent allow-list means unrestricted.
func (c Config) ChannelAllowed(channel string) bool {
	if len(c.AllowedChannels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedChannels {
		if allowed == channel {
			return true
		}
	}
	return false
}
