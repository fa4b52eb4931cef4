package autofocus

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/sim"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func curveScanner(stage motion.Stage, cam *curveCamera, curve func(float64) float64) *Scanner {
	return &Scanner{Stage: stage, Camera: cam, Scorer: cam.scorer(curve)}
}

func TestScanStepsRoundHalfToEven(t *testing.T) {
	cases := []struct {
		p     ScanParams
		steps int
	}{
		{ScanParams{StartZ: 0, EndZ: 10, StepSize: 2}, 5},
		{ScanParams{StartZ: 0, EndZ: 5, StepSize: 2}, 2},
		{ScanParams{StartZ: 0, EndZ: 3, StepSize: 2}, 2},
		{ScanParams{StartZ: 10, EndZ: 0, StepSize: 2}, 5},
		{ScanParams{StartZ: 0, EndZ: 10, StepSize: -2}, 5},
		{ScanParams{StartZ: 4, EndZ: 4, StepSize: 1}, 0},
		{ScanParams{StartZ: 0, EndZ: 10, StepSize: 0}, 0},
	}
	for _, c := range cases {
		if s := c.p.Steps(); s != c.steps {
			t.Errorf("%+v: expected %d steps got %d", c.p, c.steps, s)
		}
	}
}

func TestScanPositionsStayInBounds(t *testing.T) {
	cases := []struct {
		p  ScanParams
		zs []float64
	}{
		{ScanParams{StartZ: 0, EndZ: 7, StepSize: 2}, []float64{2, 4, 6, 7}},
		{ScanParams{StartZ: 10, EndZ: 0, StepSize: 2}, []float64{8, 6, 4, 2, 0}},
		{ScanParams{StartZ: 10, EndZ: 0, StepSize: -2}, []float64{8, 6, 4, 2, 0}},
		{ScanParams{StartZ: -1, EndZ: -6, StepSize: 2}, []float64{-3, -5}},
		{ScanParams{StartZ: -1, EndZ: -8, StepSize: 2}, []float64{-3, -5, -7, -8}},
	}
	for _, c := range cases {
		got := c.p.Positions()
		if diff := cmp.Diff(c.zs, got, approx); diff != "" {
			t.Errorf("%+v: positions mismatch (-want +got):\n%s", c.p, diff)
		}
		lo, hi := math.Min(c.p.StartZ, c.p.EndZ), math.Max(c.p.StartZ, c.p.EndZ)
		for _, z := range got {
			if z < lo || z > hi {
				t.Errorf("%+v: Z=%g outside [%g, %g]", c.p, z, lo, hi)
			}
		}
	}
}

func TestRunScanEndToEnd(t *testing.T) {
	stage := sim.NewStage(motion.Position{X: 1, Y: 2, Z: -3})
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(6))
	res, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 10, StepSize: 2, CropRatio: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	if res.BestZ != 6 {
		t.Errorf("expected best Z 6 got %v", res.BestZ)
	}
	expected := samplesOf([]float64{2, 4, 6, 8, 10}, parabola(6))
	if diff := cmp.Diff(expected, res.Samples, approx); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 2, 4, 6, 8, 10, 6}, stage.MoveZs(), approx); diff != "" {
		t.Errorf("move sequence mismatch (-want +got):\n%s", diff)
	}
	for _, m := range stage.Moves() {
		if m.X != 1 || m.Y != 2 {
			t.Errorf("expected X, Y held at 1, 2, got %v", m)
		}
	}
	if cam.outstanding != 0 {
		t.Errorf("expected every frame released, %d outstanding", cam.outstanding)
	}
}

func TestRunScanZeroStep(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(6))
	for _, step := range []float64{0, math.NaN()} {
		res, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 10, StepSize: step, CropRatio: 0.8})
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("step %v: expected ErrInvalidParameter, got %v", step, err)
		}
		if len(res.Samples) != 0 {
			t.Errorf("step %v: expected empty result, got %v", step, res.Samples)
		}
	}
	if len(stage.Moves()) != 0 || cam.captures != 0 {
		t.Errorf("expected no hardware access, got %d moves %d captures", len(stage.Moves()), cam.captures)
	}
}

func TestRunScanSkipsFailedCapture(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := &curveCamera{stage: stage, fail: func(z float64) bool { return z == 4 }}
	s := curveScanner(stage, cam, parabola(6))
	res, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 10, StepSize: 2, CropRatio: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	expected := samplesOf([]float64{2, 6, 8, 10}, parabola(6))
	if diff := cmp.Diff(expected, res.Samples, approx); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if res.Skipped != 1 || res.BestZ != 6 {
		t.Errorf("expected 1 skipped and best Z 6, got %d and %v", res.Skipped, res.BestZ)
	}
}

func TestRunScanAllCapturesFail(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := &curveCamera{stage: stage, fail: func(float64) bool { return true }}
	s := curveScanner(stage, cam, parabola(6))
	res, err := s.RunScan(context.Background(), ScanParams{StartZ: 3, EndZ: 9, StepSize: 3, CropRatio: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	if res.BestZ != 3 || len(res.Samples) != 0 || res.Skipped != 2 {
		t.Errorf("expected best Z at start with no samples, got %+v", res)
	}
	if z := stage.MoveZs(); z[len(z)-1] != 3 {
		t.Errorf("expected stage returned to start, last move %v", z[len(z)-1])
	}
}

func TestRunScanCancelledBeforeFirstProbe(t *testing.T) {
	stage := sim.NewStage(motion.Position{Z: 42})
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(6))
	s.InitialSettle = Settle{Delay: DefaultInitialSettle}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.RunScan(ctx, ScanParams{StartZ: 0, EndZ: 10, StepSize: 2, CropRatio: 0.8})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected ErrCancelled wrapping context.Canceled, got %v", err)
	}
	if len(stage.Moves()) > 1 {
		t.Errorf("expected at most the initial positioning move, got %v", stage.MoveZs())
	}
	if cam.captures != 0 || len(res.Samples) != 0 {
		t.Errorf("expected no probes, got %d captures", cam.captures)
	}
}

func TestRunScanCancelMidSweepLeavesStage(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(6))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Observer = func(fs FocusSample, _ *camera.Frame) {
		if fs.Z == 4 {
			cancel()
		}
	}
	res, err := s.RunScan(ctx, ScanParams{StartZ: 0, EndZ: 10, StepSize: 2, CropRatio: 0.8})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(res.Samples) != 2 || res.BestZ != 4 {
		t.Errorf("expected partial trace of 2 with best 4, got %+v", res)
	}
	pos, _ := stage.ReadPosition(context.Background())
	if pos.Z != 4 {
		t.Errorf("expected stage left mid-sweep at 4, got %v", pos.Z)
	}
}

func TestRunScanMotionFault(t *testing.T) {
	stage := &faultyStage{Stage: sim.NewStage(motion.Position{}), failAt: 4}
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(0))
	res, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 10, StepSize: 2, CropRatio: 0.8})
	if !errors.Is(err, ErrUnexpected) || !errors.Is(err, errEncoder) {
		t.Fatalf("expected ErrUnexpected wrapping the fault, got %v", err)
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("a motion fault must not read as cancellation")
	}
	if len(res.Samples) != 2 {
		t.Errorf("expected 2 samples before the fault, got %v", res.Samples)
	}
	pos, _ := stage.ReadPosition(context.Background())
	if pos.Z != res.BestZ {
		t.Errorf("expected best-effort return to %v, stage at %v", res.BestZ, pos.Z)
	}
}

func TestRunScanFreshResultPerCall(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(6))
	p := ScanParams{StartZ: 0, EndZ: 10, StepSize: 2, CropRatio: 0.8}
	a, _ := s.RunScan(context.Background(), p)
	b, _ := s.RunScan(context.Background(), p)
	if len(a.Samples) != 5 || len(b.Samples) != 5 {
		t.Fatalf("expected 5 samples per call, got %d and %d", len(a.Samples), len(b.Samples))
	}
	a.Samples[0].Score = -1
	if b.Samples[0].Score == -1 {
		t.Error("expected results not to share storage")
	}
}

func TestRunScanFindsSimulatedSurface(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := sim.NewCamera(stage, 11, 50)
	s := NewScanner(stage, cam, nil)
	s.InitialSettle, s.StepSettle = Settle{}, Settle{}
	res, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 100, StepSize: 10, CropRatio: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	if res.BestZ != 50 {
		t.Errorf("expected best Z 50, got %v", res.BestZ)
	}
	if n := cam.Outstanding(); n != 0 {
		t.Errorf("expected every frame released, %d outstanding", n)
	}
}

func TestRunScanDegenerateCropScoresZero(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	cam := sim.NewCamera(stage, 11, 50)
	s := &Scanner{Stage: stage, Camera: cam, Scorer: focus.GradientEnergy{}}
	res, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 40, StepSize: 10, CropRatio: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Samples) != 4 {
		t.Fatalf("expected unscoreable probes to be kept, got %v", res.Samples)
	}
	for _, fs := range res.Samples {
		if fs.Score != 0 {
			t.Errorf("expected 0 score with a full-frame crop, got %v", fs)
		}
	}
	if res.BestZ != 10 {
		t.Errorf("expected the first probe to win ties, got %v", res.BestZ)
	}
}
