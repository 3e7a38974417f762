package helpers

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/whisthq/whist/backend/control-plane/utils"
)

// WaitForCondition polls the predicate every interval until it reports true,
// and errors once the deadline passes. The clock is injected so tests can
// advance time instead of sleeping.
func WaitForCondition(ctx context.Context, clock clockwork.Clock, interval time.Duration, deadline time.Duration, predicate func(context.Context) (bool, error)) error {
	timeout := clock.After(deadline)
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := predicate(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return utils.MakeError("condition not met after waiting %s", deadline)
		case <-ticker.Chan():
		}
	}
}
