package cli

import (
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/config"
	"github.com/bastion-sh/bastion/internal/hub"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
)

// DefaultConfigPath is where the config file lives unless --config says
// otherwise.
const DefaultConfigPath = "/etc/bastion/bastion.yaml"

// loadConfig reads the file named by --config. A missing file falls
// back to defaults plus BASTION_* environment overrides.
func (a *App) loadConfig() (*config.Config, error) {
	return config.Load(a.configPath)
}

// openStore opens the hub database for an operator command. The hub
// daemon can be running at the same time; WAL mode carries the
// cross-process access.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(filepath.Join(cfg.Hub.DataDir, hub.DBFileName))
}

// openBox opens the hub's master key for commands that seal or open
// secrets.
func openBox(cfg *config.Config) (*secretbox.Box, error) {
	return secretbox.Open(cfg.Hub.DataDir)
}

// newLogger builds the process logger at the configured level.
func newLogger(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(level),
	})
}
