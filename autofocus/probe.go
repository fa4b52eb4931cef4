package autofocus

import (
	"context"
	"fmt"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
)

// FocusSample is the score measured at one Z
type FocusSample struct {
	Z     float64 `json:"z" yaml:"z"`
	Score float64 `json:"score" yaml:"score"`
}

// Observer sees every scored sample together with its frame, before the
// frame is released.  It must not retain the frame.
type Observer func(FocusSample, *camera.Frame)

// prober captures and scores single frames
type prober struct {
	cam      camera.Capturer
	scorer   focus.Scorer
	log      Logger
	observer Observer
}

// measure captures and scores a frame at z.  ok is false when the capture
// failed or the frame was empty.  err is only non-nil when ctx was done.
func (p prober) measure(ctx context.Context, z, cropRatio float64) (score float64, ok bool, err error) {
	frame, err := p.cam.Capture(ctx)
	defer frame.Release()
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, cancelled(ctx)
		}
		p.log.Errorf("%v at Z=%g: %v", ErrCaptureFailure, z, err)
		return 0, false, nil
	}
	if frame.Empty() {
		p.log.Errorf("%v at Z=%g: %v", ErrCaptureFailure, z, camera.ErrEmptyFrame)
		return 0, false, nil
	}
	score, serr := p.scorer.Score(frame, cropRatio)
	if serr != nil {
		p.log.Warnf("focus score at Z=%g is unscoreable: %v", z, serr)
		score = 0
	}
	if p.observer != nil {
		p.observer(FocusSample{Z: z, Score: score}, frame)
	}
	return score, true, nil
}

func defaultScorer(s focus.Scorer) focus.Scorer {
	if s == nil {
		return focus.GradientEnergy{Sigma: focus.DefaultSigma}
	}
	return s
}

func checkHardware(stage, cam interface{}) error {
	if stage == nil {
		return fmt.Errorf("%w: no stage", ErrInvalidParameter)
	}
	if cam == nil {
		return fmt.Errorf("%w: no camera", ErrInvalidParameter)
	}
	return nil
}
