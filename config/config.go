package config

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/cipher-network/cipher-agent/agent"
	"github.com/cipher-network/cipher-agent/chain"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config of the whole application.
type Config struct {
	Log    log.Config
	Chain  chain.Config
	Prover prover.Config
	Agent  agent.Config
}

// Load builds the configuration from the built-in defaults, an optional
// config file and CIPHER_AGENT_ environment variables, in that precedence
// order.
func Load(configFilePath string) (*Config, error) {
	var cfg Config
	viper.SetConfigType("toml")

	err := viper.ReadConfig(bytes.NewBuffer([]byte(DefaultValues)))
	if err != nil {
		return nil, err
	}
	err = viper.Unmarshal(&cfg, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc()))
	if err != nil {
		return nil, err
	}
	if configFilePath != "" {
		dirName, fileName := filepath.Split(configFilePath)

		fileExtension := strings.TrimPrefix(filepath.Ext(fileName), ".")
		fileNameWithoutExtension := strings.TrimSuffix(fileName, "."+fileExtension)

		viper.AddConfigPath(dirName)
		viper.SetConfigName(fileNameWithoutExtension)
		viper.SetConfigType(fileExtension)
	}
	viper.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix("CIPHER_AGENT")
	err = viper.ReadInConfig()
	if err != nil {
		_, ok := err.(viper.ConfigFileNotFoundError)
		if ok {
			log.Infof("config file not found")
		} else {
			log.Infof("error reading config file: %v", err)
			return nil, err
		}
	}

	err = viper.Unmarshal(&cfg, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc()))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
