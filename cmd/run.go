package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cipher-network/cipher-agent/agent"
	"github.com/cipher-network/cipher-agent/chain"
	"github.com/cipher-network/cipher-agent/config"
	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/prover"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	c, err := config.Load(ctx.String(flagCfg))
	if err != nil {
		return err
	}
	setupLog(c.Log)

	backend, err := chain.NewClient(ctx.Context, c.Chain)
	if err != nil {
		log.Error(err)
		return err
	}
	prv, err := newProver(c.Prover)
	if err != nil {
		log.Error(err)
		return err
	}

	a, err := agent.New(c.Agent, backend, prv)
	if err != nil {
		log.Error(err)
		return err
	}
	startCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		log.Error(err)
		return err
	}

	// Wait for an interrupt.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.Infof("shutting down")
	a.Stop()

	return nil
}

func setupLog(c log.Config) {
	log.Init(c)
}

func newProver(c prover.Config) (prover.Prover, error) {
	switch c.Mode {
	case prover.ModeMemory, "":
		return prover.NewMemory(), nil
	case prover.ModeSidecar:
		return prover.NewClient(c.URL, c.RequestTimeout.Duration), nil
	default:
		return nil, errors.Wrapf(gerror.ErrBadInput, "unknown prover mode %q", c.Mode)
	}
}
