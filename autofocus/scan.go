package autofocus

import (
	"context"
	"fmt"
	"math"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/mathx"
	"github.com/Simscop/DenseLight/motion"
)

// ScanParams are the bounds of a linear sweep
type ScanParams struct {
	StartZ    float64 `json:"startZ" yaml:"startZ" koanf:"startZ"`
	EndZ      float64 `json:"endZ" yaml:"endZ" koanf:"endZ"`
	StepSize  float64 `json:"stepSize" yaml:"stepSize" koanf:"stepSize"`
	CropRatio float64 `json:"cropRatio" yaml:"cropRatio" koanf:"cropRatio"`
}

// Steps returns the number of probes a sweep with these bounds takes.
// Halves round to even.
func (p ScanParams) Steps() int {
	if p.StepSize == 0 || math.IsNaN(p.StepSize) {
		return 0
	}
	return int(math.RoundToEven(math.Abs(p.EndZ-p.StartZ) / math.Abs(p.StepSize)))
}

// Positions returns the Z of every probe, in order, excluding StartZ
func (p ScanParams) Positions() []float64 {
	steps := p.Steps()
	eff := math.Abs(p.StepSize) * mathx.Sign(p.EndZ-p.StartZ)
	out := make([]float64, 0, steps)
	for i := 1; i <= steps; i++ {
		z := p.StartZ + float64(i)*eff
		if (eff > 0 && z > p.EndZ) || (eff < 0 && z < p.EndZ) {
			z = p.EndZ
		}
		out = append(out, z)
	}
	return out
}

func (p ScanParams) validate() error {
	if p.StepSize == 0 || math.IsNaN(p.StepSize) || math.IsInf(p.StepSize, 0) {
		return fmt.Errorf("%w: step size %v", ErrInvalidParameter, p.StepSize)
	}
	if math.IsNaN(p.StartZ) || math.IsNaN(p.EndZ) || math.IsInf(p.StartZ, 0) || math.IsInf(p.EndZ, 0) {
		return fmt.Errorf("%w: bounds %v to %v", ErrInvalidParameter, p.StartZ, p.EndZ)
	}
	return nil
}

// ScanResult is the outcome of one sweep
type ScanResult struct {
	// BestZ is the Z with the strictly highest score, StartZ if nothing scored
	BestZ float64 `json:"bestZ" yaml:"bestZ"`

	// BestScore is the score at BestZ, -Inf if nothing scored
	BestScore float64 `json:"-" yaml:"-"`

	// Samples are the scored probes in probe order
	Samples []FocusSample `json:"samples" yaml:"samples"`

	// Skipped is the number of probes that produced no usable frame
	Skipped int `json:"skipped" yaml:"skipped"`
}

// Scanner sweeps Z linearly between two bounds and reports the sharpest position
type Scanner struct {
	Stage  motion.Stage
	Camera camera.Capturer

	// Scorer defaults to the gradient energy metric
	Scorer focus.Scorer

	// Logger defaults to discarding
	Logger Logger

	// InitialSettle is waited after moving to StartZ
	InitialSettle Settle

	// StepSettle is waited after every probe move
	StepSettle Settle

	// Observer, if not nil, sees each scored frame
	Observer Observer
}

// NewScanner returns a Scanner with the default metric and settle delays
func NewScanner(stage motion.Stage, cam camera.Capturer, l Logger) *Scanner {
	return &Scanner{
		Stage:         stage,
		Camera:        cam,
		Scorer:        focus.GradientEnergy{Sigma: focus.DefaultSigma},
		Logger:        l,
		InitialSettle: Settle{Delay: DefaultInitialSettle},
		StepSettle:    Settle{Delay: DefaultStepSettle}}
}

// RunScan sweeps from StartZ to EndZ.  X and Y are held where they were when
// the scan began.  The first move to StartZ is positioning only and is not
// scored.  A failed capture skips its probe.
//
// On success the stage is left at BestZ.  On cancellation the stage is left
// wherever the sweep was and the partial result is returned with an error
// matching ErrCancelled.  A motion fault returns an error matching
// ErrUnexpected after a best-effort return to BestZ.
func (s *Scanner) RunScan(ctx context.Context, p ScanParams) (ScanResult, error) {
	res := ScanResult{BestZ: p.StartZ, BestScore: math.Inf(-1), Samples: []FocusSample{}}
	l := orNop(s.Logger)
	if err := p.validate(); err != nil {
		l.Errorf("scan not started: %v", err)
		return res, err
	}
	if err := checkHardware(s.Stage, s.Camera); err != nil {
		return res, err
	}
	pr := prober{cam: s.Camera, scorer: defaultScorer(s.Scorer), log: l, observer: s.Observer}

	l.Infof("starting scan from %g to %g with step %g", p.StartZ, p.EndZ, p.StepSize)
	pos, err := s.Stage.ReadPosition(ctx)
	if err != nil {
		return res, s.fail(ctx, l, "read position", err, pos, res)
	}
	zs := p.Positions()
	dir := "forward"
	if p.EndZ < p.StartZ {
		dir = "backward"
	}
	l.Infof("scan direction %s, %d steps", dir, len(zs))

	if err := s.Stage.SetPosition(ctx, pos.WithZ(p.StartZ)); err != nil {
		return res, s.fail(ctx, l, "move to start", err, pos, res)
	}
	if err := s.InitialSettle.Wait(ctx, s.Stage); err != nil {
		return res, s.fail(ctx, l, "settle", err, pos, res)
	}

	for _, z := range zs {
		if ctx.Err() != nil {
			l.Infof("scan cancelled with %d samples", len(res.Samples))
			return res, cancelled(ctx)
		}
		if err := s.Stage.SetPosition(ctx, pos.WithZ(z)); err != nil {
			return res, s.fail(ctx, l, fmt.Sprintf("move to Z=%g", z), err, pos, res)
		}
		if err := s.StepSettle.Wait(ctx, s.Stage); err != nil {
			return res, s.fail(ctx, l, "settle", err, pos, res)
		}
		score, ok, err := pr.measure(ctx, z, p.CropRatio)
		if err != nil {
			l.Infof("scan cancelled with %d samples", len(res.Samples))
			return res, err
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Samples = append(res.Samples, FocusSample{Z: z, Score: score})
		l.Infof("focus score at Z=%g: %.3f", z, score)
		if score > res.BestScore {
			res.BestScore = score
			res.BestZ = z
			l.Infof("new best focus score %.3f at Z=%g", score, z)
		}
	}

	if err := s.Stage.SetPosition(ctx, pos.WithZ(res.BestZ)); err != nil {
		return res, s.fail(ctx, l, "return to best", err, pos, res)
	}
	l.Infof("scan completed, best focus score %.3f at Z=%g", res.BestScore, res.BestZ)
	return res, nil
}

// fail classifies err; unexpected faults are logged and the stage is sent
// back to the best Z if anything was scored
func (s *Scanner) fail(ctx context.Context, l Logger, op string, err error, pos motion.Position, res ScanResult) error {
	err = classify(ctx, op, err)
	if ctx.Err() != nil {
		l.Infof("scan cancelled with %d samples", len(res.Samples))
		return err
	}
	l.Errorf("scan aborted: %v", err)
	if len(res.Samples) > 0 {
		if rerr := s.Stage.SetPosition(context.WithoutCancel(ctx), pos.WithZ(res.BestZ)); rerr != nil {
			l.Errorf("unable to return to Z=%g: %v", res.BestZ, rerr)
		}
	}
	return err
}
