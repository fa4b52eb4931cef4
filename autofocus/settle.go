package autofocus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Simscop/DenseLight/motion"
)

const (
	// DefaultInitialSettle is the wait after the first move of a scan
	DefaultInitialSettle = 200 * time.Millisecond

	// DefaultStepSettle is the wait after every probe move
	DefaultStepSettle = 100 * time.Millisecond

	// DefaultPollInterval is the in-position polling period when none is configured
	DefaultPollInterval = 10 * time.Millisecond
)

// ErrSettleTimeout is generated when the stage did not report in position within Settle.Timeout
var ErrSettleTimeout = errors.New("stage did not settle in time")

// Settle describes how long to wait after a move before capturing.
//
// The fixed Delay is a proxy for the stage having stopped vibrating.  When
// WaitInPosition is set and the stage implements motion.InPositionQueryer,
// the stage is polled until it reports in position and the Delay is then
// waited on top, for damping.
type Settle struct {
	// Delay is the fixed wait after the move
	Delay time.Duration `koanf:"delay" yaml:"delay"`

	// WaitInPosition enables in-position polling before the delay
	WaitInPosition bool `koanf:"waitInPosition" yaml:"waitInPosition"`

	// PollInterval is the period between in-position queries
	PollInterval time.Duration `koanf:"pollInterval" yaml:"pollInterval"`

	// Timeout bounds the in-position wait; zero waits until the context is done
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Wait blocks until the stage has settled or ctx is done
func (s Settle) Wait(ctx context.Context, stage motion.Stage) error {
	if q, ok := stage.(motion.InPositionQueryer); ok && s.WaitInPosition {
		if err := s.poll(ctx, q); err != nil {
			return err
		}
	}
	return sleep(ctx, s.Delay)
}

func (s Settle) poll(ctx context.Context, q motion.InPositionQueryer) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		in, err := q.InPosition(ctx)
		if err != nil {
			return err
		}
		if in {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && s.Timeout > 0 {
				return fmt.Errorf("%w after %v", ErrSettleTimeout, s.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sleep waits for d, returning early with ctx.Err() if ctx is done first
func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
