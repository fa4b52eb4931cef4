// Package autofocus provides an HTTP interface to the autofocus controllers
package autofocus

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	af "github.com/Simscop/DenseLight/autofocus"
	"github.com/Simscop/DenseLight/generichttp"
	"github.com/Simscop/DenseLight/server/middleware/locker"
)

// Status describes what the service is doing
type Status struct {
	// Busy is true while a run holds the hardware
	Busy bool `json:"busy"`

	// Mode is the kind of run in progress or last run: scan, hillclimb or zstack
	Mode string `json:"mode"`

	// Started is when the run in progress or last run began
	Started time.Time `json:"started"`

	// LastError is the error of the last run, if any
	LastError string `json:"lastError,omitempty"`
}

// RunReply is the body of the reply to a run request
type RunReply struct {
	// Result is the ScanResult, HillClimbResult, or the Z positions of a z-stack
	Result interface{} `json:"result"`

	// Cancelled is true if the run was cancelled; Result is the partial result
	Cancelled bool `json:"cancelled"`
}

// Service serializes autofocus runs against one stage and camera and wraps
// them in HTTP.  Runs are synchronous: the request returns when the run ends.
type Service struct {
	Scanner *af.Scanner
	Climber *af.HillClimber
	ZStack  *af.ZStack

	// Monitor, if not nil, serves /autofocus/live
	Monitor *af.Monitor

	// Lock is held for the duration of a run; while it is held the lock's
	// Check middleware turns other hardware requests away.  It cannot be
	// released over HTTP while a run is in progress.
	Lock *locker.Locker

	// RefineHalfWidth is the number of samples either side of a peak used by
	// /autofocus/peaks?refine=true
	RefineHalfWidth int

	// run admits one run at a time.  hw is held by a run for as long as it
	// drives the hardware, and by the Monitor for each live frame.
	run sync.Mutex
	hw  sync.Mutex

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	status Status
	trace  []af.FocusSample

	RouteTable generichttp.RouteTable
}

// NewService returns a service with the route table pre-configured.  Routes
// for nil controllers are not bound.  A Monitor without a Guard is given the
// service's hardware lock, so it pauses during runs; start it after NewService.
func NewService(s *af.Scanner, h *af.HillClimber, z *af.ZStack, m *af.Monitor) *Service {
	svc := &Service{Scanner: s, Climber: h, ZStack: z, Monitor: m, Lock: locker.New(), RefineHalfWidth: 2}
	svc.Lock.Pinned = svc.running
	if m != nil && m.Guard == nil {
		m.Guard = &svc.hw
	}
	// the lock must not block the routes used to watch or stop a run
	svc.Lock.DoNotProtect = append(svc.Lock.DoNotProtect, "/autofocus/cancel", "/autofocus/status", "/autofocus/live", "/autofocus/trace")
	rt := generichttp.RouteTable{}
	if s != nil {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autofocus/scan"}] = svc.HTTPScan
	}
	if h != nil {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autofocus/hillclimb"}] = svc.HTTPHillClimb
	}
	if z != nil {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autofocus/zstack"}] = svc.HTTPZStack
	}
	if m != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autofocus/live"}] = svc.HTTPLive
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autofocus/live/fps"}] = generichttp.GetFloat(func(context.Context) (float64, error) {
			return m.FPS(), nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autofocus/live/fps"}] = generichttp.SetFloat(func(_ context.Context, f float64) error {
			m.SetFPS(f)
			return nil
		})
	}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autofocus/cancel"}] = svc.HTTPCancel
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autofocus/status"}] = svc.HTTPStatus
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autofocus/trace"}] = svc.HTTPTrace
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autofocus/peaks"}] = svc.HTTPPeaks
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autofocus/peaks"}] = svc.HTTPPeaks
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autofocus/busy"}] = generichttp.GetBool(func() (bool, error) {
		return svc.Busy(), nil
	})
	svc.RouteTable = rt
	return svc
}

// RT satisfies the HTTPer interface
func (s *Service) RT() generichttp.RouteTable {
	return s.RouteTable
}

// Status returns a copy of the current status
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Busy returns true while a run is in progress
func (s *Service) Busy() bool {
	return s.Status().Busy
}

// running is true from the moment a run is admitted until its locks are released
func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Trace returns the samples of the last scan
func (s *Service) Trace() []af.FocusSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]af.FocusSample, len(s.trace))
	copy(out, s.trace)
	return out
}

// Cancel stops the run in progress, if any, and returns true if there was one
func (s *Service) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// begin admits a run of mode and takes the locks for it.  It returns the
// run's context and the cancel func to hand back to end, or false if another
// run is in progress or the lock is held.
func (s *Service) begin(parent context.Context, mode string) (context.Context, context.CancelFunc, bool) {
	if !s.run.TryLock() {
		return nil, nil, false
	}
	s.setActive(true)
	if !s.Lock.TryLock() {
		s.setActive(false)
		s.run.Unlock()
		return nil, nil, false
	}
	// wait out a live frame in flight
	s.hw.Lock()
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.status = Status{Busy: true, Mode: mode, Started: time.Now()}
	s.mu.Unlock()
	return ctx, cancel, true
}

// end releases what begin took for the run whose cancel func is cancel
func (s *Service) end(cancel context.CancelFunc, err error) {
	cancel()
	s.mu.Lock()
	s.cancel = nil
	s.status.Busy = false
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
	s.hw.Unlock()
	s.Lock.Unlock()
	s.setActive(false)
	s.run.Unlock()
}

func (s *Service) setActive(b bool) {
	s.mu.Lock()
	s.active = b
	s.mu.Unlock()
}

// decode reads a JSON body into v, leaving v untouched if the body is empty
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// respond maps the error of a run to a status code and writes the reply
func respond(w http.ResponseWriter, result interface{}, err error) {
	switch {
	case err == nil:
		generichttp.ReplyWithJSON(w, RunReply{Result: result})
	case errors.Is(err, af.ErrCancelled):
		generichttp.ReplyWithJSON(w, RunReply{Result: result, Cancelled: true})
	case errors.Is(err, af.ErrInvalidParameter):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func busy(w http.ResponseWriter) {
	http.Error(w, "an autofocus run is already in progress", http.StatusLocked)
}

// HTTPScan runs a coarse scan with the ScanParams in the request body
func (s *Service) HTTPScan(w http.ResponseWriter, r *http.Request) {
	p := af.ScanParams{CropRatio: af.DefaultHillClimbParams().CropRatio}
	if err := decode(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel, ok := s.begin(r.Context(), "scan")
	if !ok {
		busy(w)
		return
	}
	res, err := s.Scanner.RunScan(ctx, p)
	if len(res.Samples) > 0 {
		s.mu.Lock()
		s.trace = res.Samples
		s.mu.Unlock()
	}
	s.end(cancel, err)
	respond(w, res, err)
}

// HTTPHillClimb runs a hill climb with the HillClimbParams in the request
// body.  Fields missing from the body take their default values.
func (s *Service) HTTPHillClimb(w http.ResponseWriter, r *http.Request) {
	p := af.DefaultHillClimbParams()
	if err := decode(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel, ok := s.begin(r.Context(), "hillclimb")
	if !ok {
		busy(w)
		return
	}
	res, err := s.Climber.RunHillClimb(ctx, p)
	s.end(cancel, err)
	respond(w, res, err)
}

// HTTPZStack runs a z-stack with the ZStackParams in the request body
func (s *Service) HTTPZStack(w http.ResponseWriter, r *http.Request) {
	p := af.ZStackParams{}
	if err := decode(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel, ok := s.begin(r.Context(), "zstack")
	if !ok {
		busy(w)
		return
	}
	zs, err := s.ZStack.Run(ctx, p)
	s.end(cancel, err)
	respond(w, zs, err)
}

// HTTPCancel cancels the run in progress, replying {"bool": true} if there was one
func (s *Service) HTTPCancel(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: s.Cancel()}
	hp.EncodeAndRespond(w, r)
}

// HTTPStatus replies with the Status as JSON
func (s *Service) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, s.Status())
}

// HTTPTrace replies with the samples of the last scan
func (s *Service) HTTPTrace(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, s.Trace())
}

// HTTPPeaks finds the two surface peaks.  A POST body holding a list of
// samples is used as the trace, otherwise the last scan is.  refine=true
// refines the peaks with a parabola fit.
func (s *Service) HTTPPeaks(w http.ResponseWriter, r *http.Request) {
	trace := []af.FocusSample{}
	if r.Method == http.MethodPost {
		if err := decode(r, &trace); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		trace = s.Trace()
	}
	refine := false
	if q := r.URL.Query().Get("refine"); q != "" {
		b, err := strconv.ParseBool(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		refine = b
	}
	var (
		peaks af.SurfacePeaks
		err   error
	)
	if refine {
		peaks, err = af.RefineSurfacePeaks(trace, s.RefineHalfWidth)
	} else {
		peaks, err = af.FindSurfacePeaks(trace)
	}
	if errors.Is(err, af.ErrNoSamples) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.ReplyWithJSON(w, peaks)
}

// HTTPLive replies with the latest live focus score
func (s *Service) HTTPLive(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyWithJSON(w, s.Monitor.Latest())
}
