package main

import (
	"os"

	cipheragent "github.com/cipher-network/cipher-agent"
	"github.com/urfave/cli/v2"
)

func versionCmd(*cli.Context) error {
	cipheragent.PrintVersion(os.Stdout)
	return nil
}
