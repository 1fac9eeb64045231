package prover

import (
	"github.com/cipher-network/cipher-agent/config/types"
)

// Prover modes.
const (
	// ModeMemory runs the arithmetic-only in-process prover.
	ModeMemory = "memory"
	// ModeSidecar delegates proving to an external prover daemon over HTTP.
	ModeSidecar = "sidecar"
)

// Config selects and parameterizes the prover implementation.
type Config struct {
	// Mode is "memory" or "sidecar".
	Mode string `mapstructure:"Mode"`
	// URL is the sidecar base URL, ignored in memory mode.
	URL string `mapstructure:"URL"`
	// RequestTimeout bounds one sidecar proving call.
	RequestTimeout types.Duration `mapstructure:"RequestTimeout"`
}
