package autofocus

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/sim"
)

// curveCamera produces tiny frames and remembers the Z of the last capture,
// so that curveScorer can score it with an analytic focus curve
type curveCamera struct {
	mu          sync.Mutex
	stage       motion.Stage
	fail        func(z float64) bool
	lastZ       float64
	captures    int
	outstanding int
}

func (c *curveCamera) Capture(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos, err := c.stage.ReadPosition(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++
	if c.fail != nil && c.fail(pos.Z) {
		return nil, errors.New("no frame")
	}
	c.lastZ = pos.Z
	c.outstanding++
	return camera.NewFrame(4, 4, 1, 8, make([]uint16, 16), func([]uint16) {
		c.mu.Lock()
		c.outstanding--
		c.mu.Unlock()
	}), nil
}

func (c *curveCamera) scorer(curve func(z float64) float64) focus.Scorer {
	return focus.ScorerFunc(func(*camera.Frame, float64) (float64, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return curve(c.lastZ), nil
	})
}

// parabola peaks at z0 with height 1000
func parabola(z0 float64) func(float64) float64 {
	return func(z float64) float64 {
		return math.Max(0, 1000-(z-z0)*(z-z0))
	}
}

func gaussian(z0, height, width float64) func(float64) float64 {
	return func(z float64) float64 {
		d := (z - z0) / width
		return height * math.Exp(-d*d/2)
	}
}

// faultyStage fails its nth move (from 1)
type faultyStage struct {
	*sim.Stage
	failAt int
	n      int
}

var errEncoder = errors.New("encoder fault")

func (f *faultyStage) SetPosition(ctx context.Context, p motion.Position) error {
	f.n++
	if f.n == f.failAt {
		return errEncoder
	}
	return f.Stage.SetPosition(ctx, p)
}

func samplesOf(zs []float64, curve func(float64) float64) []FocusSample {
	out := make([]FocusSample, len(zs))
	for i, z := range zs {
		out[i] = FocusSample{Z: z, Score: curve(z)}
	}
	return out
}

func span(lo, hi, step float64) []float64 {
	var out []float64
	for z := lo; z <= hi+step/2; z += step {
		out = append(out, z)
	}
	return out
}
