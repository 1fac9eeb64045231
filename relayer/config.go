package relayer

import (
	"github.com/cipher-network/cipher-agent/config/types"
)

// Config for the relayer service.
type Config struct {
	// Enabled mounts the relayer routes on the shared HTTP server.
	Enabled bool `mapstructure:"Enabled"`
	// Fee is the flat fee this relayer charges, in base units.
	Fee uint64 `mapstructure:"Fee"`
	// MinDelay and MaxDelay bound the random hold-back before a queued
	// withdrawal goes on-chain.
	MinDelay types.Duration `mapstructure:"MinDelay"`
	MaxDelay types.Duration `mapstructure:"MaxDelay"`
}
