package autofocus

import (
	"context"
	"sync"
	"time"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/util"
	"golang.org/x/time/rate"
)

const (
	// MinMonitorFPS is the slowest rate a Monitor runs at
	MinMonitorFPS = 1

	// MaxMonitorFPS is the fastest rate a Monitor runs at
	MaxMonitorFPS = 30
)

// LiveScore is the most recent measurement of a Monitor
type LiveScore struct {
	Score float64   `json:"score"`
	Time  time.Time `json:"time"`
	Valid bool      `json:"valid"`
}

// TryLocker is a sync.Locker that can be tried without blocking
type TryLocker interface {
	sync.Locker
	TryLock() bool
}

// Monitor captures and scores frames continuously at a throttled rate, for
// watching sharpness while focusing by hand.  It must not capture while an
// autofocus run is using the camera; set Guard to the lock runs hold on the
// hardware and frames are skipped while it is taken.
type Monitor struct {
	Camera    camera.Capturer
	Scorer    focus.Scorer
	Logger    Logger
	CropRatio float64

	// Guard, if not nil, is held for each capture.  It must be set before Run.
	Guard TryLocker

	mu      sync.RWMutex
	fps     float64
	latest  LiveScore
	running bool
}

// NewMonitor returns a monitor at fps, clamped to [MinMonitorFPS, MaxMonitorFPS]
func NewMonitor(cam camera.Capturer, s focus.Scorer, cropRatio, fps float64, l Logger) *Monitor {
	m := &Monitor{Camera: cam, Scorer: s, CropRatio: cropRatio, Logger: l}
	m.SetFPS(fps)
	return m
}

// SetFPS changes the target rate, clamped to [MinMonitorFPS, MaxMonitorFPS].
// A running monitor picks the change up on its next frame.
func (m *Monitor) SetFPS(fps float64) {
	if !(fps >= MinMonitorFPS) {
		fps = MinMonitorFPS
	}
	fps = util.Clamp(fps, MinMonitorFPS, MaxMonitorFPS)
	m.mu.Lock()
	m.fps = fps
	m.mu.Unlock()
}

// FPS returns the target rate
func (m *Monitor) FPS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fps
}

// Latest returns the last measurement
func (m *Monitor) Latest() LiveScore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Running returns true while Run is executing
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Run captures and scores until ctx is done.  A failed capture marks the
// latest score invalid and the loop carries on.  A frame whose Guard cannot
// be taken is skipped and the latest score is left as it was.
func (m *Monitor) Run(ctx context.Context) error {
	l := orNop(m.Logger)
	m.mu.Lock()
	m.running = true
	fps := m.fps
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	lim := rate.NewLimiter(rate.Limit(fps), 1)
	pr := prober{cam: m.Camera, scorer: defaultScorer(m.Scorer), log: l}
	for {
		if cur := m.FPS(); cur != fps {
			fps = cur
			lim.SetLimit(rate.Limit(fps))
		}
		if err := lim.Wait(ctx); err != nil {
			// the deadline falls before the next frame
			<-ctx.Done()
			return ctx.Err()
		}
		if m.Guard != nil && !m.Guard.TryLock() {
			continue
		}
		score, ok, err := pr.measure(ctx, 0, m.CropRatio)
		if m.Guard != nil {
			m.Guard.Unlock()
		}
		if err != nil {
			return ctx.Err()
		}
		m.mu.Lock()
		m.latest = LiveScore{Score: score, Time: time.Now(), Valid: ok}
		m.mu.Unlock()
	}
}
