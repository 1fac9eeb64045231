package chain

import (
	"github.com/cipher-network/cipher-agent/config/types"
)

// Config for the chain adapter.
type Config struct {
	// URL is the JSON-RPC endpoint of the node hosting the mixer program.
	URL string `mapstructure:"URL"`
	// RequestTimeout bounds every individual RPC when the caller supplies no
	// tighter deadline.
	RequestTimeout types.Duration `mapstructure:"RequestTimeout"`
}
