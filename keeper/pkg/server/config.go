package server

import (
	"errors"
	"time"

	"github.com/malbeclabs/sweepstake/api/handlers"
	"github.com/malbeclabs/sweepstake/keeper/pkg/keeper"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	// CORSOrigins lists allowed browser origins. Empty allows all.
	CORSOrigins  []string
	WebSocket    bool
	KeeperConfig keeper.Config
	HubConfig    handlers.HubConfig
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if err := cfg.KeeperConfig.Validate(); err != nil {
		return err
	}
	if cfg.WebSocket {
		if cfg.HubConfig.Logger == nil {
			cfg.HubConfig = handlers.DefaultHubConfig(cfg.KeeperConfig.Logger)
		}
		if err := cfg.HubConfig.Validate(); err != nil {
			return err
		}
	}
	return nil
}
