package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Simscop/DenseLight/autofocus"
	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/comm"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/generichttp"
	afhttp "github.com/Simscop/DenseLight/generichttp/autofocus"
	camhttp "github.com/Simscop/DenseLight/generichttp/camera"
	motionhttp "github.com/Simscop/DenseLight/generichttp/motion"
	"github.com/Simscop/DenseLight/imgrec"
	"github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/server/middleware/locker"
	"github.com/Simscop/DenseLight/sim"
	"github.com/Simscop/DenseLight/util"
	"github.com/Simscop/DenseLight/zaber"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
)

// SimConfig configures the simulated stage and camera
type SimConfig struct {
	// Seed seeds the specimen texture and noise
	Seed int64 `koanf:"seed" yaml:"seed"`

	// Surfaces are the Z of the in-focus planes, one or two
	Surfaces []float64 `koanf:"surfaces" yaml:"surfaces"`

	// StartZ is where the simulated stage starts
	StartZ float64 `koanf:"startZ" yaml:"startZ"`

	Width        int     `koanf:"width" yaml:"width"`
	Height       int     `koanf:"height" yaml:"height"`
	DepthOfField float64 `koanf:"depthOfField" yaml:"depthOfField"`
	Noise        float64 `koanf:"noise" yaml:"noise"`

	// Resolution quantises stage positions; zero is continuous
	Resolution float64 `koanf:"resolution" yaml:"resolution"`

	// Latency is added to every move and capture
	Latency time.Duration `koanf:"latency" yaml:"latency"`

	// ZTravel limits the simulated Z axis
	ZTravel util.Limiter `koanf:"zTravel" yaml:"zTravel"`

	// Replay is a glob of frames (.fits, .tif, .png, .jpg) to serve instead
	// of rendering.  Each frame is placed at the Z of its Z card, or at its
	// index times ReplayStep when it has none.
	Replay     string  `koanf:"replay" yaml:"replay"`
	ReplayStep float64 `koanf:"replayStep" yaml:"replayStep"`
}

// RecordConfig configures frame recording
type RecordConfig struct {
	Root    string `koanf:"root" yaml:"root"`
	Prefix  string `koanf:"prefix" yaml:"prefix"`
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
}

// MonitorConfig configures the live focus monitor of the server
type MonitorConfig struct {
	Enabled bool    `koanf:"enabled" yaml:"enabled"`
	FPS     float64 `koanf:"fps" yaml:"fps"`
}

// Config is a struct that holds the initialization parameters of the program.
// It is populated by koanf from the defaults and densefocus.yml.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Endpoint is the URL stem the routes are served under
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Stage is "sim" or "zaber"
	Stage string `koanf:"stage" yaml:"stage"`

	// Debug enables debug logs from the controllers
	Debug bool `koanf:"debug" yaml:"debug"`

	// Metric is the focus metric, see focus.Metrics
	Metric string `koanf:"metric" yaml:"metric"`

	Sim   SimConfig    `koanf:"sim" yaml:"sim"`
	Zaber zaber.Config `koanf:"zaber" yaml:"zaber"`

	Scan      autofocus.ScanParams      `koanf:"scan" yaml:"scan"`
	HillClimb autofocus.HillClimbParams `koanf:"hillClimb" yaml:"hillClimb"`
	ZStack    autofocus.ZStackParams    `koanf:"zStack" yaml:"zStack"`

	InitialSettle autofocus.Settle `koanf:"initialSettle" yaml:"initialSettle"`
	StepSettle    autofocus.Settle `koanf:"stepSettle" yaml:"stepSettle"`

	// Limits are software limits on the stage axes served over HTTP, keyed x, y, z
	Limits map[string]util.Limiter `koanf:"limits" yaml:"limits"`

	// RefineHalfWidth is the number of samples either side of a peak used to refine it
	RefineHalfWidth int `koanf:"refineHalfWidth" yaml:"refineHalfWidth"`

	Monitor MonitorConfig `koanf:"monitor" yaml:"monitor"`
	Record  RecordConfig  `koanf:"record" yaml:"record"`
}

// DefaultConfig returns the configuration used when densefocus.yml is absent.
// It runs entirely in simulation.
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "densefocus",
		Stage:    "sim",
		Metric:   string(focus.Gradient),
		Sim: SimConfig{
			Seed:         1,
			Surfaces:     []float64{40, 60},
			Width:        128,
			Height:       128,
			DepthOfField: 6,
			Noise:        4,
			ReplayStep:   1,
		},
		Zaber: zaber.Config{
			Conn:         comm.Config{Addr: "/dev/ttyUSB0", Serial: true, Baud: 115200, Timeout: 2 * time.Second},
			X:            zaber.Axis{Device: 1, Number: 1, NmPerStep: 100},
			Y:            zaber.Axis{Device: 1, Number: 2, NmPerStep: 100},
			Z:            zaber.Axis{Device: 2, Number: 1, NmPerStep: 10},
			PollInterval: zaber.DefaultPollInterval,
		},
		Scan:            autofocus.ScanParams{StartZ: 0, EndZ: 100, StepSize: 2, CropRatio: 0.8},
		HillClimb:       autofocus.DefaultHillClimbParams(),
		ZStack:          autofocus.ZStackParams{Range: 20, Step: 1},
		InitialSettle:   autofocus.Settle{Delay: autofocus.DefaultInitialSettle},
		StepSettle:      autofocus.Settle{Delay: autofocus.DefaultStepSettle},
		Limits:          map[string]util.Limiter{},
		RefineHalfWidth: 2,
		Monitor:         MonitorConfig{FPS: 10},
		Record:          RecordConfig{Prefix: "af"},
	}
}

// Rig is the hardware and the shared pieces every command drives
type Rig struct {
	Stage    motion.Stage
	Camera   camera.Capturer
	Scorer   focus.Scorer
	Metric   focus.Metric
	Logger   autofocus.Logger
	Recorder *imgrec.Recorder

	close func() error
}

// Close releases the hardware connections
func (r *Rig) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// Observer returns the observer that records frames, chained with extra
func (r *Rig) Observer(extra ...autofocus.Observer) autofocus.Observer {
	obs := append([]autofocus.Observer{r.Recorder.Observer(r.Metric)}, extra...)
	return func(s autofocus.FocusSample, f *camera.Frame) {
		for _, o := range obs {
			if o != nil {
				o(s, f)
			}
		}
	}
}

// Scanner returns a scanner on the rig configured by c
func (r *Rig) Scanner(c Config) *autofocus.Scanner {
	s := autofocus.NewScanner(r.Stage, r.Camera, r.Logger)
	s.Scorer = r.Scorer
	s.InitialSettle = c.InitialSettle
	s.StepSettle = c.StepSettle
	s.Observer = r.Observer()
	return s
}

// HillClimber returns a hill climber on the rig configured by c
func (r *Rig) HillClimber(c Config) *autofocus.HillClimber {
	h := autofocus.NewHillClimber(r.Stage, r.Camera, r.Logger)
	h.Scorer = r.Scorer
	h.Settle = c.StepSettle
	h.Observer = r.Observer()
	return h
}

// ZStack returns a z-stack runner on the rig configured by c
func (r *Rig) ZStack(c Config) *autofocus.ZStack {
	return &autofocus.ZStack{
		Stage:    r.Stage,
		Camera:   r.Camera,
		Logger:   r.Logger,
		Settle:   c.StepSettle,
		Observer: r.Observer()}
}

// Setup builds the rig described by c
func Setup(c Config) (*Rig, error) {
	metric := focus.Metric(c.Metric)
	scorer, err := focus.New(metric)
	if err != nil {
		return nil, err
	}
	rig := &Rig{
		Scorer:   scorer,
		Metric:   metric,
		Logger:   autofocus.StdLogger{L: log.New(os.Stderr, "", log.LstdFlags), Debug: c.Debug},
		Recorder: imgrec.NewRecorder(c.Record.Root, c.Record.Prefix),
	}
	rig.Recorder.SetEnabled(c.Record.Enabled && c.Record.Root != "")

	switch strings.ToLower(c.Stage) {
	case "", "sim", "mock":
		st := sim.NewStage(motion.Position{Z: c.Sim.StartZ})
		st.Resolution = c.Sim.Resolution
		st.Latency = c.Sim.Latency
		st.ZTravel = c.Sim.ZTravel
		rig.Stage = st
	case "zaber":
		z := zaber.New(c.Zaber)
		rig.Stage = z
		rig.close = z.Close
	default:
		return nil, fmt.Errorf("stage type %q not understood", c.Stage)
	}

	cam := sim.NewCamera(rig.Stage, c.Sim.Seed, c.Sim.Surfaces...)
	if c.Sim.Width > 0 && c.Sim.Height > 0 {
		cam.Width, cam.Height = c.Sim.Width, c.Sim.Height
	}
	if c.Sim.DepthOfField > 0 {
		cam.DepthOfField = c.Sim.DepthOfField
	}
	cam.Noise = c.Sim.Noise
	cam.Latency = c.Sim.Latency
	if c.Sim.Replay != "" {
		stack, err := LoadStack(c.Sim.Replay, c.Sim.ReplayStep)
		if err != nil {
			rig.Close()
			return nil, err
		}
		cam.Stack = stack
	}
	rig.Camera = cam
	return rig, nil
}

// LoadStack loads the frames matching a glob as a replay stack ordered by Z
func LoadStack(pattern string, step float64) ([]sim.Slice, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames match %q", pattern)
	}
	sort.Strings(paths)
	stack := make([]sim.Slice, 0, len(paths))
	for i, p := range paths {
		f, cards, err := imgrec.Load(p)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", p, err)
		}
		z, ok := imgrec.CardFloat(cards, "Z")
		if !ok {
			z = float64(i) * step
		}
		stack = append(stack, sim.Slice{Z: z, Frame: f})
	}
	sort.SliceStable(stack, func(i, j int) bool { return stack[i].Z < stack[j].Z })
	return stack, nil
}

// LoadYaml reads a scan trace saved by the scan command.  Both a full scan
// result and a bare list of samples are accepted.
func LoadYaml(path string) ([]autofocus.FocusSample, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	res := autofocus.ScanResult{}
	if err = yaml.Unmarshal(b, &res); err == nil && len(res.Samples) > 0 {
		return res.Samples, nil
	}
	var samples []autofocus.FocusSample
	if err = yaml.Unmarshal(b, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// readsPass applies the lock only to requests that drive the hardware, so
// positions can be polled during a run
func readsPass(l *locker.Locker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		locked := l.Check(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			locked.ServeHTTP(w, r)
		})
	}
}

// BuildMux builds the HTTP interface to the rig.  The stage is served under
// <endpoint>/stage, the camera under <endpoint>/camera, and the autofocus
// service under <endpoint>/autofocus.  GET /endpoints lists every route.
func BuildMux(ctx context.Context, c Config, rig *Rig) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	stem := generichttp.SubMuxSanitize(c.Endpoint)
	if stem == "/" {
		stem = ""
	}
	supergraph := map[string][]string{}

	var mon *autofocus.Monitor
	if c.Monitor.Enabled {
		mon = autofocus.NewMonitor(rig.Camera, rig.Scorer, c.HillClimb.CropRatio, c.Monitor.FPS, rig.Logger)
	}
	// the service guards the monitor against runs, so it starts after
	svc := afhttp.NewService(rig.Scanner(c), rig.HillClimber(c), rig.ZStack(c), mon)
	svc.RefineHalfWidth = c.RefineHalfWidth
	if mon != nil {
		go func() {
			if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
				log.Println("live monitor stopped:", err)
			}
		}()
	}
	locker.Inject(svc, svc.Lock)

	st := motionhttp.NewHTTPStage(rig.Stage)
	limiter := motionhttp.LimitMiddleware{Limits: c.Limits, Stage: rig.Stage}
	limiter.Inject(st)

	cam := camhttp.NewHTTPCamera(rig.Camera, rig.Scorer, c.HillClimb.CropRatio)
	cam.Stage = rig.Stage
	cam.Recorder = rig.Recorder
	imgrec.NewHTTPWrapper(rig.Recorder).Inject(cam)

	mount := func(sub string, h generichttp.HTTPer, mw ...func(http.Handler) http.Handler) {
		r := chi.NewRouter()
		r.Use(mw...)
		h.RT().Bind(r)
		supergraph[stem+sub] = h.RT().Endpoints()
		root.Mount(stem+sub, r)
	}
	mount("/stage", st, readsPass(svc.Lock), limiter.Check)
	mount("/camera", cam, svc.Lock.Check)
	mount("/", svc, svc.Lock.Check)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
