package agent

import (
	"context"
	crand "crypto/rand"
	"math/big"
	"time"

	"github.com/cipher-network/cipher-agent/log"
	"github.com/pkg/errors"
)

// mixCooldown is the pause after a failed cycle step before retrying.
const mixCooldown = time.Minute

// runMixLoop cycles deposit -> wait -> withdraw-to-fresh-recipient -> wait
// until the agent stops or the configured deadline passes. Delays are drawn
// uniformly from the configured windows so cycles do not form a timing
// pattern on chain.
func (a *Agent) runMixLoop() {
	defer a.wg.Done()

	var deadline time.Time
	if a.cfg.Mix.Deadline.Duration > 0 {
		deadline = time.Now().Add(a.cfg.Mix.Deadline.Duration)
	}
	log.Infof("mix loop started, denomination %d", a.cfg.Mix.Amount)

	for {
		if a.stopped() {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Infof("mix deadline reached, loop exiting")
			return
		}
		if err := a.mixCycle(); err != nil {
			if errors.Is(err, errStopped) {
				return
			}
			log.Warnf("mix cycle: %v", err)
			if !a.sleepInterruptible(mixCooldown) {
				return
			}
		}
	}
}

// mixCycle runs one full deposit/withdraw round trip.
func (a *Agent) mixCycle() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	chunkID, err := a.backend.GetCurrentChunkID(ctx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "chain unavailable")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	dep, err := a.Deposit(ctx, a.cfg.Mix.Amount)
	cancel()
	if err != nil {
		return errors.Wrap(err, "mix deposit")
	}
	log.Infof("mix deposit %s confirmed", dep.TxID)

	wait, err := randomDuration(a.cfg.Mix.WithdrawMinDelay.Duration, a.cfg.Mix.WithdrawMaxDelay.Duration)
	if err != nil {
		return err
	}
	log.Debugf("mix holding for %s before withdrawal", wait)
	if !a.sleepInterruptible(wait) {
		return errStopped
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	err = a.LoadTree(ctx, chunkID)
	cancel()
	if err != nil {
		return errors.Wrap(err, "refreshing tree before withdrawal")
	}

	recipient, err := NewRecipient()
	if err != nil {
		return err
	}
	amount := a.cfg.Mix.Amount
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	res, err := a.Withdraw(ctx, &amount, recipient)
	cancel()
	if err != nil {
		return errors.Wrap(err, "mix withdrawal")
	}
	log.Infof("mix withdrawal queued as %s via %s", res.QueueID, res.Relayer)

	wait, err = randomDuration(a.cfg.Mix.DepositMinDelay.Duration, a.cfg.Mix.DepositMaxDelay.Duration)
	if err != nil {
		return err
	}
	log.Debugf("mix idling for %s before next deposit", wait)
	if !a.sleepInterruptible(wait) {
		return errStopped
	}
	return nil
}

// sleepInterruptible waits for d or until shutdown, reporting false on
// shutdown.
func (a *Agent) sleepInterruptible(d time.Duration) bool {
	if d <= 0 {
		return !a.stopped()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.stop:
		return false
	case <-timer.C:
		return true
	}
}

// randomDuration draws uniformly from [min, max] with crypto randomness.
func randomDuration(min, max time.Duration) (time.Duration, error) {
	if max < min {
		max = min
	}
	span := int64(max - min)
	if span == 0 {
		return min, nil
	}
	n, err := crand.Int(crand.Reader, big.NewInt(span+1))
	if err != nil {
		return 0, errors.Wrap(err, "drawing mix delay")
	}
	return min + time.Duration(n.Int64()), nil
}
