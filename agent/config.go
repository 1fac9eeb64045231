package agent

import (
	"github.com/cipher-network/cipher-agent/config/types"
	"github.com/cipher-network/cipher-agent/dht"
	"github.com/cipher-network/cipher-agent/relayer"
	"github.com/cipher-network/cipher-agent/treeshare"
)

// MixConfig drives the automatic deposit/withdraw cycle.
type MixConfig struct {
	// Enabled starts the mixing loop at startup.
	Enabled bool `mapstructure:"Enabled"`
	// Amount is the fixed denomination mixed per cycle, in base units.
	Amount uint64 `mapstructure:"Amount"`
	// DepositMinDelay..DepositMaxDelay bound the pause after a withdrawal
	// before the next deposit.
	DepositMinDelay types.Duration `mapstructure:"DepositMinDelay"`
	DepositMaxDelay types.Duration `mapstructure:"DepositMaxDelay"`
	// WithdrawMinDelay..WithdrawMaxDelay bound the pause between a deposit
	// and its withdrawal.
	WithdrawMinDelay types.Duration `mapstructure:"WithdrawMinDelay"`
	WithdrawMaxDelay types.Duration `mapstructure:"WithdrawMaxDelay"`
	// Deadline stops the loop after the given wall-clock run time. Zero
	// means no deadline.
	Deadline types.Duration `mapstructure:"Deadline"`
}

// Config for the agent orchestrator.
type Config struct {
	// DataDir holds the wallet, deposit book, tree cache and peer file.
	DataDir string `mapstructure:"DataDir"`
	// WalletPath overrides the default wallet location.
	WalletPath string `mapstructure:"WalletPath"`
	// PublicHost is announced on the DHT when this agent is reachable on a
	// public address.
	PublicHost string `mapstructure:"PublicHost"`
	// ReannounceInterval re-publishes the DHT announce record.
	ReannounceInterval types.Duration `mapstructure:"ReannounceInterval"`
	// TreeRefreshInterval reloads the active chunk in the background. Zero
	// disables the timer.
	TreeRefreshInterval types.Duration `mapstructure:"TreeRefreshInterval"`

	DHT     dht.Config       `mapstructure:"DHT"`
	Share   treeshare.Config `mapstructure:"Share"`
	Relayer relayer.Config   `mapstructure:"Relayer"`
	Mix     MixConfig        `mapstructure:"Mix"`
}
