package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidBaseDelay = errors.New("BaseDelay must be greater than 0")
	ErrInvalidTimeout   = errors.New("timeout must be greater than 0")
)

// Config defines parameters for exponential backoff polling.
type Config struct {
	// Initial delay before the first retry
	BaseDelay time.Duration
	// Multiplier applied to the delay on each retry
	Factor float64
	// Optional cap on the delay between retries
	MaxDelay time.Duration
}

// BackoffWithContext repeatedly calls the operation until it returns true,
// an error, the timeout elapses, or the context is canceled. It waits
// between attempts using exponential backoff starting from Config.BaseDelay
// and growing by Config.Factor, capped by Config.MaxDelay if set.
func BackoffWithContext(ctx context.Context, cfg *Config, timeout time.Duration, opFn func(context.Context) (bool, error)) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delay := cfg.BaseDelay
	if delay <= 0 {
		return fmt.Errorf("invalid Config: %w", ErrInvalidBaseDelay)
	}

	for {
		done, err := opFn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-time.After(delay):
			next := time.Duration(float64(delay) * cfg.Factor)
			if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
				next = cfg.MaxDelay
			}
			delay = next
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CalculateBackoffDelay returns the delay before the given attempt number,
// using exponential backoff with the provided configuration.
func CalculateBackoffDelay(cfg *Config, tries int) time.Duration {
	if tries <= 0 {
		return 0
	}

	delay := float64(cfg.BaseDelay)
	for i := 1; i < tries; i++ {
		delay *= cfg.Factor
	}

	d := time.Duration(delay)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
