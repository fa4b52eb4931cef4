// Package motion provides an HTTP interface to the XYZ stage
package motion

/*
The stage may implement any number of the optional interfaces in the motion
package; NewHTTPStage checks for each of them and binds their routes.
*/
import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/Simscop/DenseLight/generichttp"
	stage "github.com/Simscop/DenseLight/motion"
	"github.com/go-chi/chi"
)

var errNoSurface = errors.New("surface position has not been set")

// Surfaces remembers the Z of the top (1) and bottom (2) surfaces of a
// sample so the operator can go back to either of them
type Surfaces struct {
	mu  sync.Mutex
	z   [2]float64
	set [2]bool
}

// Set stores z for surface n, 1 or 2
func (s *Surfaces) Set(n int, z float64) error {
	if n < 1 || n > 2 {
		return errors.New("surface must be 1 or 2")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.z[n-1] = z
	s.set[n-1] = true
	return nil
}

// Get returns z for surface n, 1 or 2
func (s *Surfaces) Get(n int) (float64, error) {
	if n < 1 || n > 2 {
		return 0, errors.New("surface must be 1 or 2")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set[n-1] {
		return 0, errNoSurface
	}
	return s.z[n-1], nil
}

// surfaceJSON is the reply of GET /surface; unset surfaces are null
type surfaceJSON struct {
	Top    *float64 `json:"top"`
	Bottom *float64 `json:"bottom"`
}

func (s *Surfaces) snapshot() surfaceJSON {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := surfaceJSON{}
	if s.set[0] {
		z := s.z[0]
		out.Top = &z
	}
	if s.set[1] {
		z := s.z[1]
		out.Bottom = &z
	}
	return out
}

func surfaceParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "n"))
}

// HTTPSurfaces adds routes to mark the current Z as a surface, list the
// surfaces, and move Z to one of them
func HTTPSurfaces(st stage.Stage, s *Surfaces, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/surface"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.ReplyWithJSON(w, s.snapshot())
	}
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/surface/{n}"}] = func(w http.ResponseWriter, r *http.Request) {
		n, err := surfaceParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pos, err := st.ReadPosition(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err = s.Set(n, pos.Z); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/surface/{n}/goto"}] = func(w http.ResponseWriter, r *http.Request) {
		n, err := surfaceParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		z, err := s.Get(n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = moveAxis(r.Context(), st, "z", z, false); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HTTPStage wraps a stage with HTTP
type HTTPStage struct {
	stage.Stage

	// Surfaces holds the marked surfaces of the sample
	Surfaces *Surfaces

	RouteTable generichttp.RouteTable
}

// NewHTTPStage returns a new HTTP wrapper with the route table pre-configured
func NewHTTPStage(s stage.Stage) HTTPStage {
	w := HTTPStage{Stage: s, Surfaces: &Surfaces{}}
	rt := generichttp.RouteTable{}
	HTTPMove(s, rt)
	HTTPSurfaces(s, w.Surfaces, rt)
	if q, ok := s.(stage.InPositionQueryer); ok {
		HTTPInPosition(q, rt)
	}
	if st, ok := s.(stage.Stopper); ok {
		HTTPStop(st, rt)
	}
	if h, ok := s.(stage.Homer); ok {
		HTTPHome(h, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPStage) RT() generichttp.RouteTable {
	return h.RouteTable
}
