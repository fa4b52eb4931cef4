package autofocus

import (
	"context"
	"fmt"
	"math"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/motion"
)

// ZStackParams describe a relative Z sweep from the current position
type ZStackParams struct {
	// Range is the distance to cover; only its magnitude is used
	Range float64 `json:"range" yaml:"range" koanf:"range"`

	// Step is the relative move per slice; its sign is the direction
	Step float64 `json:"step" yaml:"step" koanf:"step"`
}

// Slices is the number of slices, one more than the steps needed to cover Range
func (p ZStackParams) Slices() int {
	if p.Step == 0 || math.IsNaN(p.Step) || math.IsNaN(p.Range) {
		return 0
	}
	return int(math.Ceil(math.Abs(p.Range)/math.Abs(p.Step))) + 1
}

// ZStack acquires a stack of slices by stepping the stage relative to where it starts
type ZStack struct {
	Stage motion.Stage

	// Camera, if not nil, captures a frame per slice for Observer
	Camera camera.Capturer

	Logger Logger
	Settle Settle

	// Observer sees every captured slice; the sample score is zero
	Observer Observer

	// Progress, if not nil, is called after every slice with its index, the
	// slice count, and the Z reached
	Progress func(i, n int, z float64)
}

// Run moves the stage by Step Slices() times, settling and optionally
// capturing after each move.  It returns the Z of every slice.  The stage is
// left on the last slice, or wherever it was when ctx was cancelled.
func (s *ZStack) Run(ctx context.Context, p ZStackParams) ([]float64, error) {
	l := orNop(s.Logger)
	n := p.Slices()
	if n == 0 || math.IsInf(p.Step, 0) {
		return nil, fmt.Errorf("%w: z-stack step %v", ErrInvalidParameter, p.Step)
	}
	if s.Stage == nil {
		return nil, fmt.Errorf("%w: no stage", ErrInvalidParameter)
	}
	pos, err := s.Stage.ReadPosition(ctx)
	if err != nil {
		return nil, classify(ctx, "read position", err)
	}
	var pr prober
	if s.Camera != nil {
		pr = prober{cam: s.Camera, scorer: zeroScorer{}, log: l, observer: s.Observer}
	}
	l.Infof("starting z-stack of %d slices from Z=%g, step %g", n, pos.Z, p.Step)
	zs := make([]float64, 0, n)
	z := pos.Z
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			l.Infof("z-stack cancelled at slice %d", i)
			return zs, cancelled(ctx)
		}
		if err := s.Stage.MoveRelative(ctx, motion.Position{Z: p.Step}); err != nil {
			return zs, classify(ctx, "move relative", err)
		}
		z += p.Step
		if err := s.Settle.Wait(ctx, s.Stage); err != nil {
			return zs, classify(ctx, "settle", err)
		}
		if s.Camera != nil {
			if _, _, err := pr.measure(ctx, z, 1); err != nil {
				return zs, err
			}
		}
		zs = append(zs, z)
		if s.Progress != nil {
			s.Progress(i, n, z)
		}
	}
	l.Infof("z-stack completed at Z=%g", z)
	return zs, nil
}

// zeroScorer passes frames through to the observer without scoring them
type zeroScorer struct{}

func (zeroScorer) Score(*camera.Frame, float64) (float64, error) { return 0, nil }
