package agent

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

const (
	walletFileName = "agent-wallet.json"
	walletKeyLen   = 64
)

// Wallet holds the agent's 64-byte account secret. The file stores it as a
// JSON array of decimal bytes.
type Wallet struct {
	secret []byte
}

// LoadOrCreateWallet reads the wallet at dir/agent-wallet.json, creating it
// with fresh randomness on first start. A non-empty override path is used
// as-is and must already exist.
func LoadOrCreateWallet(dir, override string) (*Wallet, error) {
	if override != "" {
		return loadWallet(override)
	}
	path := filepath.Join(dir, walletFileName)
	if _, err := os.Stat(path); err == nil {
		return loadWallet(path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "probing wallet file")
	}

	secret := make([]byte, walletKeyLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "generating wallet key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating data dir")
	}
	ints := make([]int, len(secret))
	for i, b := range secret {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return nil, errors.Wrap(err, "writing wallet file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, errors.Wrap(err, "renaming wallet file")
	}
	log.Infof("created agent wallet at %s", path)
	return &Wallet{secret: secret}, nil
}

func loadWallet(path string) (*Wallet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading wallet file")
	}
	if info.Mode().Perm()&0077 != 0 {
		log.Warnf("wallet file %s is readable by group or others", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading wallet file")
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, errors.Wrap(gerror.ErrIntegrity, "wallet file is not a byte array")
	}
	secret := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, errors.Wrap(gerror.ErrIntegrity, "wallet byte out of range")
		}
		secret[i] = byte(v)
	}
	if len(secret) != walletKeyLen {
		return nil, errors.Wrapf(gerror.ErrIntegrity, "wallet key is %d bytes, want %d", len(secret), walletKeyLen)
	}
	return &Wallet{secret: secret}, nil
}

// NodeSeed derives the DHT node ID seed from the wallet key.
func (w *Wallet) NodeSeed() []byte {
	return w.secret[:32]
}

// Address returns the base58 form of the wallet's public half.
func (w *Wallet) Address() string {
	return base58.Encode(w.secret[32:])
}

// NewRecipient draws a fresh one-time recipient address.
func NewRecipient() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", errors.Wrap(err, "generating recipient key")
	}
	return base58.Encode(key[:]), nil
}
