/*Package sim provides simulated motion and camera hardware that behave like
a motorized microscope looking at a textured specimen.

The camera renders a seeded texture blurred in proportion to the distance
between the stage Z and each specimen surface, so focus metrics peak at the
surfaces.  Everything is deterministic for a given seed.
*/
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Simscop/DenseLight/mathx"
	"github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/util"
)

// ErrOutOfRange is generated when a move would leave the stage's travel
var ErrOutOfRange = errors.New("position out of travel range")

// Stage is a simulated three axis stage.
// The zero value is usable: a stage at the origin with unlimited travel,
// continuous positions and instant moves.
type Stage struct {
	sync.Mutex

	// Resolution quantises commanded positions; zero is continuous
	Resolution float64

	// Latency is how long a move blocks
	Latency time.Duration

	// SettleTime is how long InPosition reports false after a move
	SettleTime time.Duration

	// ZTravel limits the Z axis; a zero Limiter is unlimited
	ZTravel util.Limiter

	pos     motion.Position
	moves   []motion.Position
	settled time.Time
	faults  []error
	homed   bool
}

// NewStage returns a stage at start
func NewStage(start motion.Position) *Stage {
	return &Stage{pos: start}
}

// ReadPosition implements motion.Stage
func (s *Stage) ReadPosition(ctx context.Context) (motion.Position, error) {
	s.Lock()
	defer s.Unlock()
	return s.pos, nil
}

// SetPosition implements motion.Stage
func (s *Stage) SetPosition(ctx context.Context, p motion.Position) error {
	return s.move(ctx, func(motion.Position) motion.Position { return p })
}

// MoveRelative implements motion.Stage
func (s *Stage) MoveRelative(ctx context.Context, d motion.Position) error {
	return s.move(ctx, func(cur motion.Position) motion.Position {
		return motion.Position{X: cur.X + d.X, Y: cur.Y + d.Y, Z: cur.Z + d.Z}
	})
}

func (s *Stage) move(ctx context.Context, target func(motion.Position) motion.Position) error {
	s.Lock()
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		s.Unlock()
		return err
	}
	p := target(s.pos)
	p = motion.Position{
		X: mathx.Round(p.X, s.Resolution),
		Y: mathx.Round(p.Y, s.Resolution),
		Z: mathx.Round(p.Z, s.Resolution)}
	if !s.ZTravel.Check(p.Z) {
		s.Unlock()
		return fmt.Errorf("%w: Z=%g outside [%g, %g]", ErrOutOfRange, p.Z, s.ZTravel.Min, s.ZTravel.Max)
	}
	latency := s.Latency
	s.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	s.Lock()
	defer s.Unlock()
	s.pos = p
	s.moves = append(s.moves, p)
	s.settled = time.Now().Add(s.SettleTime)
	return nil
}

// InPosition implements motion.InPositionQueryer
func (s *Stage) InPosition(ctx context.Context) (bool, error) {
	s.Lock()
	defer s.Unlock()
	return !time.Now().Before(s.settled), nil
}

// Stop implements motion.Stopper.  Simulated moves are atomic, so it only
// ends the settling period.
func (s *Stage) Stop(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.settled = time.Time{}
	return nil
}

// Home implements motion.Homer
func (s *Stage) Home(ctx context.Context) error {
	if err := s.SetPosition(ctx, motion.Position{}); err != nil {
		return err
	}
	s.Lock()
	s.homed = true
	s.Unlock()
	return nil
}

// Homed returns true once Home has succeeded
func (s *Stage) Homed() bool {
	s.Lock()
	defer s.Unlock()
	return s.homed
}

// InjectFault makes the next move fail with err.  Faults queue up.
func (s *Stage) InjectFault(err error) {
	s.Lock()
	defer s.Unlock()
	s.faults = append(s.faults, err)
}

// Moves returns every completed move, in order
func (s *Stage) Moves() []motion.Position {
	s.Lock()
	defer s.Unlock()
	out := make([]motion.Position, len(s.moves))
	copy(out, s.moves)
	return out
}

// MoveZs returns the Z of every completed move, in order
func (s *Stage) MoveZs() []float64 {
	moves := s.Moves()
	out := make([]float64, len(moves))
	for i, m := range moves {
		out[i] = m.Z
	}
	return out
}
