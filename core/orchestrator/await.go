package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var errNotIncluded = errors.New("receipt not available yet")

func (o *Orchestrator) pollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.PollInitial
	b.MaxInterval = o.config.PollMaxInterval
	b.Multiplier = o.config.PollMultiplier
	b.RandomizationFactor = 0
	// the timeout context bounds the wait
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// waitForReceipt polls GetReceipt until the bundler reports the operation as
// included or the inclusion timeout passes. A null receipt means pending and
// is retried like a transport error.
func (o *Orchestrator) waitForReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, time.Duration, error) {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, o.config.InclusionTimeout)
	defer cancel()

	var receipt *userop.Receipt
	polls := 0
	err := backoff.RetryNotify(func() error {
		polls++
		r, err := o.gateway.GetReceipt(timeoutCtx, hash)
		if err != nil {
			return err
		}
		if r == nil {
			return errNotIncluded
		}
		receipt = r
		return nil
	}, backoff.WithContext(o.pollBackOff(), timeoutCtx), func(err error, next time.Duration) {
		if !errors.Is(err, errNotIncluded) {
			o.logger.Warn("receipt poll failed", "hash", hash.Hex(), "error", err, "retryIn", next.String())
		}
	})

	waited := time.Since(start)
	if err == nil {
		return receipt, waited, nil
	}

	// the caller's own context ending is a cancellation, not a timeout
	if ctx.Err() != nil {
		return nil, waited, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || timeoutCtx.Err() != nil {
		o.logger.Warn("operation not included in time", "hash", hash.Hex(), "waited", waited.String(), "polls", polls)
		return nil, waited, apperrors.NewInclusionTimeout(hash.Hex(), o.config.InclusionTimeout.String())
	}
	return nil, waited, err
}
