package autofocus

import (
	"context"
	"fmt"
	"math"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/motion"
)

// HillClimbParams configure a pattern search
type HillClimbParams struct {
	InitialStep         float64 `json:"initialStep" yaml:"initialStep" koanf:"initialStep"`
	MinStep             float64 `json:"minStep" yaml:"minStep" koanf:"minStep"`
	CropRatio           float64 `json:"cropRatio" yaml:"cropRatio" koanf:"cropRatio"`
	MaxIterations       int     `json:"maxIterations" yaml:"maxIterations" koanf:"maxIterations"`
	StepReductionFactor float64 `json:"stepReductionFactor" yaml:"stepReductionFactor" koanf:"stepReductionFactor"`
}

// DefaultHillClimbParams are the parameters used when none are given
func DefaultHillClimbParams() HillClimbParams {
	return HillClimbParams{
		InitialStep:         1,
		MinStep:             0.05,
		CropRatio:           0.8,
		MaxIterations:       50,
		StepReductionFactor: 2}
}

func (p HillClimbParams) validate() error {
	bad := func(name string, v interface{}) error {
		return fmt.Errorf("%w: %s %v", ErrInvalidParameter, name, v)
	}
	switch {
	case !(p.InitialStep > 0) || math.IsInf(p.InitialStep, 0):
		return bad("initial step", p.InitialStep)
	case !(p.MinStep > 0):
		return bad("min step", p.MinStep)
	case !(p.StepReductionFactor > 1) || math.IsInf(p.StepReductionFactor, 0):
		return bad("step reduction factor", p.StepReductionFactor)
	case p.MaxIterations < 0:
		return bad("max iterations", p.MaxIterations)
	}
	return nil
}

// HillClimbResult is the outcome of one pattern search
type HillClimbResult struct {
	BestZ      float64 `json:"bestZ" yaml:"bestZ"`
	BestScore  float64 `json:"bestScore" yaml:"bestScore"`
	Iterations int     `json:"iterations" yaml:"iterations"`

	// Step is the step size when the search ended
	Step float64 `json:"step" yaml:"step"`

	// Samples holds the seed measurement followed by every probe, in order.
	// Probes without a usable frame are recorded with score 0.
	Samples []FocusSample `json:"samples" yaml:"samples"`
}

// HillClimber refines focus around the current position with a
// direction-reversing, step-shrinking pattern search
type HillClimber struct {
	Stage  motion.Stage
	Camera camera.Capturer

	// Scorer defaults to the gradient energy metric
	Scorer focus.Scorer

	// Logger defaults to discarding
	Logger Logger

	// Settle is waited after every probe move
	Settle Settle

	// Observer, if not nil, sees each scored frame
	Observer Observer
}

// NewHillClimber returns a HillClimber with the default metric and settle delay
func NewHillClimber(stage motion.Stage, cam camera.Capturer, l Logger) *HillClimber {
	return &HillClimber{
		Stage:  stage,
		Camera: cam,
		Scorer: focus.GradientEnergy{Sigma: focus.DefaultSigma},
		Logger: l,
		Settle: Settle{Delay: DefaultStepSettle}}
}

// RunHillClimb searches for the sharpest Z starting from the current position.
//
// A probe that does not beat the current score reverses the direction; two
// rejections in a row divide the step by StepReductionFactor.  The search ends
// when the step falls below MinStep or MaxIterations probes were made, and the
// stage is moved to the best Z.  Cancellation also moves the stage to the best
// Z and returns the result with an error matching ErrCancelled.
func (h *HillClimber) RunHillClimb(ctx context.Context, p HillClimbParams) (HillClimbResult, error) {
	res := HillClimbResult{Step: p.InitialStep, Samples: []FocusSample{}}
	l := orNop(h.Logger)
	if err := p.validate(); err != nil {
		l.Errorf("hill climb not started: %v", err)
		return res, err
	}
	if err := checkHardware(h.Stage, h.Camera); err != nil {
		return res, err
	}
	pr := prober{cam: h.Camera, scorer: defaultScorer(h.Scorer), log: l, observer: h.Observer}

	l.Infof("starting hill climb")
	pos, err := h.Stage.ReadPosition(ctx)
	if err != nil {
		return res, classify(ctx, "read position", err)
	}
	var (
		currentZ  = pos.Z
		stageZ    = pos.Z
		step      = p.InitialStep
		direction = 1.0
		failed    = 0
	)
	currentScore, ok, err := pr.measure(ctx, currentZ, p.CropRatio)
	res.BestZ = currentZ
	if err != nil {
		return res, err
	}
	if !ok {
		l.Warnf("failed to capture image for the initial focus score")
	}
	res.BestScore = currentScore
	res.Samples = append(res.Samples, FocusSample{Z: currentZ, Score: currentScore})
	l.Infof("initial position Z=%.3f, score %.3f", currentZ, currentScore)

	for step >= p.MinStep && res.Iterations < p.MaxIterations {
		if ctx.Err() != nil {
			break
		}
		res.Iterations++
		newZ := currentZ + step*direction
		if err := h.Stage.SetPosition(ctx, pos.WithZ(newZ)); err != nil {
			res.Step = step
			// the stage position is unknown after a failed move
			return res, h.fail(ctx, l, fmt.Sprintf("move to Z=%g", newZ), err, pos, math.NaN(), &res)
		}
		stageZ = newZ
		if err := h.Settle.Wait(ctx, h.Stage); err != nil {
			res.Step = step
			return res, h.fail(ctx, l, "settle", err, pos, stageZ, &res)
		}
		newScore, _, err := pr.measure(ctx, newZ, p.CropRatio)
		if err != nil {
			break
		}
		res.Samples = append(res.Samples, FocusSample{Z: newZ, Score: newScore})
		l.Debugf("trying Z=%.3f, score %.3f, step %.3f, dir %+.0f", newZ, newScore, step, direction)

		if newScore > currentScore {
			currentZ = newZ
			currentScore = newScore
			failed = 0
			if newScore > res.BestScore {
				res.BestZ = newZ
				res.BestScore = newScore
				l.Infof("new best position Z=%.3f, score %.3f", res.BestZ, res.BestScore)
			}
			continue
		}
		direction = -direction
		failed++
		if failed >= 2 {
			step /= p.StepReductionFactor
			failed = 0
			l.Infof("reducing step size to %.3f", step)
		}
	}
	res.Step = step

	if err := h.restore(ctx, pos, stageZ, res.BestZ); err != nil {
		l.Errorf("unable to return to Z=%g: %v", res.BestZ, err)
		return res, unexpected("return to best", err)
	}
	if ctx.Err() != nil {
		l.Infof("hill climb cancelled after %d iterations, best Z=%.3f", res.Iterations, res.BestZ)
		return res, cancelled(ctx)
	}
	l.Infof("hill climb completed, best Z=%.3f, score %.3f, iterations %d", res.BestZ, res.BestScore, res.Iterations)
	return res, nil
}

// restore moves to bestZ unless the stage is already there.  It ignores
// cancellation of ctx, the stage must end up somewhere defined.
func (h *HillClimber) restore(ctx context.Context, pos motion.Position, stageZ, bestZ float64) error {
	if stageZ == bestZ {
		return nil
	}
	return h.Stage.SetPosition(context.WithoutCancel(ctx), pos.WithZ(bestZ))
}

func (h *HillClimber) fail(ctx context.Context, l Logger, op string, err error, pos motion.Position, stageZ float64, res *HillClimbResult) error {
	err = classify(ctx, op, err)
	if ctx.Err() != nil {
		l.Infof("hill climb cancelled after %d iterations, best Z=%.3f", res.Iterations, res.BestZ)
	} else {
		l.Errorf("hill climb aborted: %v", err)
	}
	if rerr := h.restore(ctx, pos, stageZ, res.BestZ); rerr != nil {
		l.Errorf("unable to return to Z=%g: %v", res.BestZ, rerr)
	}
	return err
}
