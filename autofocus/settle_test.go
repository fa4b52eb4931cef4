package autofocus

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/sim"
)

func TestSettleFixedDelay(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	start := time.Now()
	if err := (Settle{Delay: 20 * time.Millisecond}).Wait(context.Background(), stage); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Errorf("expected to wait at least 20ms, waited %v", el)
	}
}

func TestSettleCancelled(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Settle{Delay: time.Hour}).Wait(ctx, stage); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSettleWaitsInPosition(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	stage.SettleTime = 30 * time.Millisecond
	stage.SetPosition(context.Background(), motion.Position{Z: 1})
	start := time.Now()
	s := Settle{WaitInPosition: true, PollInterval: 2 * time.Millisecond}
	if err := s.Wait(context.Background(), stage); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Errorf("expected to wait for the stage to settle, waited %v", el)
	}
}

func TestSettleInPositionTimeout(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	stage.SettleTime = time.Hour
	stage.SetPosition(context.Background(), motion.Position{Z: 1})
	s := Settle{WaitInPosition: true, PollInterval: time.Millisecond, Timeout: 10 * time.Millisecond}
	err := s.Wait(context.Background(), stage)
	if !errors.Is(err, ErrSettleTimeout) {
		t.Errorf("expected ErrSettleTimeout, got %v", err)
	}
}

// plainStage hides the in-position capability of the simulator
type plainStage struct{ motion.Stage }

func TestSettleWithoutQueryerOnlyDelays(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	stage.SettleTime = time.Hour
	stage.SetPosition(context.Background(), motion.Position{Z: 1})
	s := Settle{WaitInPosition: true}
	if err := s.Wait(context.Background(), plainStage{stage}); err != nil {
		t.Errorf("expected a stage without in-position reporting to skip polling, got %v", err)
	}
}

func TestScanSettleTimeoutIsUnexpected(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	stage.SettleTime = time.Hour
	cam := &curveCamera{stage: stage}
	s := curveScanner(stage, cam, parabola(0))
	s.InitialSettle = Settle{WaitInPosition: true, PollInterval: time.Millisecond, Timeout: 5 * time.Millisecond}
	_, err := s.RunScan(context.Background(), ScanParams{StartZ: 0, EndZ: 4, StepSize: 1, CropRatio: 0.8})
	if !errors.Is(err, ErrUnexpected) || !errors.Is(err, ErrSettleTimeout) {
		t.Errorf("expected ErrUnexpected wrapping ErrSettleTimeout, got %v", err)
	}
}

func TestStdLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := StdLogger{L: log.New(&buf, "", 0)}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warnf("careful")
	l.Errorf("broken")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected debug lines to be dropped")
	}
	for _, want := range []string{"INFO shown 2", "WARN careful", "ERROR broken"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
	buf.Reset()
	l.Debug = true
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "DEBUG visible") {
		t.Errorf("expected debug line, got %q", buf.String())
	}
}

func TestZStackSlices(t *testing.T) {
	cases := []struct {
		p ZStackParams
		n int
	}{
		{ZStackParams{Range: 10, Step: 2}, 6},
		{ZStackParams{Range: 9, Step: 2}, 6},
		{ZStackParams{Range: -10, Step: 5}, 3},
		{ZStackParams{Range: 10, Step: 0}, 0},
	}
	for _, c := range cases {
		if n := c.p.Slices(); n != c.n {
			t.Errorf("%+v: expected %d slices got %d", c.p, c.n, n)
		}
	}
}

func TestZStackRun(t *testing.T) {
	stage := sim.NewStage(motion.Position{Z: 100})
	cam := sim.NewCamera(stage, 1, 105)
	var seen []float64
	var progress []int
	zs := &ZStack{
		Stage:    stage,
		Camera:   cam,
		Observer: func(fs FocusSample, f *camera.Frame) { seen = append(seen, fs.Z) },
		Progress: func(i, n int, z float64) { progress = append(progress, i) },
	}
	got, err := zs.Run(context.Background(), ZStackParams{Range: 10, Step: -2})
	if err != nil {
		t.Fatal(err)
	}
	expected := []float64{98, 96, 94, 92, 90, 88}
	for i := range expected {
		if i >= len(got) || got[i] != expected[i] || seen[i] != expected[i] {
			t.Fatalf("expected slices %v, got %v observed %v", expected, got, seen)
		}
	}
	if len(progress) != 6 || progress[5] != 5 {
		t.Errorf("expected progress 0..5, got %v", progress)
	}
	if n := cam.Outstanding(); n != 0 {
		t.Errorf("expected every frame released, %d outstanding", n)
	}
	pos, _ := stage.ReadPosition(context.Background())
	if pos.Z != 88 {
		t.Errorf("expected stage on the last slice, got %v", pos.Z)
	}
}

func TestZStackInvalid(t *testing.T) {
	zs := &ZStack{Stage: sim.NewStage(motion.Position{})}
	if _, err := zs.Run(context.Background(), ZStackParams{Range: 5}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestZStackCancelled(t *testing.T) {
	stage := sim.NewStage(motion.Position{})
	zs := &ZStack{Stage: stage, Settle: Settle{Delay: time.Hour}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	got, err := zs.Run(ctx, ZStackParams{Range: 10, Step: 1})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected cancellation by deadline, got %v", err)
	}
	if len(got) != 0 || len(stage.Moves()) != 1 {
		t.Errorf("expected to stop during the first settle, got %v and %d moves", got, len(stage.Moves()))
	}
}

func TestMonitorFPSClamped(t *testing.T) {
	m := NewMonitor(nil, nil, 0.8, 120, nil)
	if m.FPS() != MaxMonitorFPS {
		t.Errorf("expected %v fps, got %v", MaxMonitorFPS, m.FPS())
	}
	m.SetFPS(0)
	if m.FPS() != MinMonitorFPS {
		t.Errorf("expected %v fps, got %v", MinMonitorFPS, m.FPS())
	}
	m.SetFPS(12.5)
	if m.FPS() != 12.5 {
		t.Errorf("expected 12.5 fps, got %v", m.FPS())
	}
}

func TestMonitorRun(t *testing.T) {
	stage := sim.NewStage(motion.Position{Z: 10})
	cam := sim.NewCamera(stage, 3, 10)
	m := NewMonitor(cam, nil, 0.8, 30, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := m.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline to end the monitor, got %v", err)
	}
	live := m.Latest()
	if !live.Valid || live.Score <= 0 {
		t.Errorf("expected a valid positive live score, got %+v", live)
	}
	if m.Running() {
		t.Error("expected monitor to report stopped")
	}
	if c := cam.Captures(); c < 2 || c > 8 {
		t.Errorf("expected the frame rate to be throttled, got %d captures in 150ms", c)
	}
	if n := cam.Outstanding(); n != 0 {
		t.Errorf("expected every frame released, %d outstanding", n)
	}
}

func TestMonitorSkipsWhileGuardHeld(t *testing.T) {
	stage := sim.NewStage(motion.Position{Z: 10})
	cam := sim.NewCamera(stage, 3, 10)
	guard := &sync.Mutex{}
	m := NewMonitor(cam, nil, 0.8, 30, nil)
	m.Guard = guard

	guard.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	m.Run(ctx)
	cancel()
	if c := cam.Captures(); c != 0 {
		t.Errorf("expected no captures while the guard is held, got %d", c)
	}
	if m.Latest().Valid {
		t.Error("expected no live score while the guard is held")
	}

	guard.Unlock()
	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)
	if c := cam.Captures(); c == 0 {
		t.Error("expected captures once the guard is free")
	}
	if !guard.TryLock() {
		t.Error("expected the monitor to release the guard after each frame")
	}
}
