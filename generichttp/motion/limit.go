package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Simscop/DenseLight/generichttp"
	stage "github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/util"
	"github.com/go-chi/chi"
)

var (
	errClamped = errors.New("requested position violates software limits, aborted")
)

// LimitMiddleware is a type that can impose axis-specific limits on motion.
// Requests that would violate a limit are answered with StatusBadRequest,
// stopping the chain of handling calls
type LimitMiddleware struct {
	// Limits contains the server imposed limits on the stage, keyed by lowercase axis name
	Limits map[string]util.Limiter

	// Stage is a reference to the stage, used to query axis positions for relative moves
	Stage stage.Stage
}

// axisFromPath returns the axis of an /axis/{axis}/pos path, or "" for a
// whole-stage /pos path
func axisFromPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "axis" {
			return strings.ToLower(parts[i+1])
		}
	}
	return ""
}

// Check verifies if a motion would violate an axis limit, if it exists,
// and if it does, responds with StatusBadRequest
// otherwise, flows control to the next handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/pos") || len(l.Limits) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		relative, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// downstream functions want the body...
		// read it all here, then "paste" it back
		bodyContent, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(bodyContent))

		var cmd, base stage.Position
		axis := axisFromPath(r.URL.Path)
		if axis == "" {
			err = json.Unmarshal(bodyContent, &cmd)
		} else {
			f := generichttp.FloatT{}
			err = json.Unmarshal(bodyContent, &f)
			if err == nil {
				cmd, err = withAxis(cmd, axis, f.F64)
			}
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if relative || axis != "" {
			// relative moves shift by the current position, single axis moves
			// hold the other axes there
			base, err = l.Stage.ReadPosition(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		target := cmd
		switch {
		case relative:
			target = stage.Position{X: base.X + cmd.X, Y: base.Y + cmd.Y, Z: base.Z + cmd.Z}
		case axis != "":
			v, _ := axisOf(cmd, axis)
			target, _ = withAxis(base, axis, v)
		}
		for _, a := range Axes {
			limiter, ok := l.Limits[a]
			if !ok {
				continue
			}
			v, _ := axisOf(target, a)
			if !limiter.Check(v) {
				http.Error(w, errClamped.Error(), http.StatusBadRequest)
				return
			}
		}
		// at this point, all checks have passed and we can move on
		next.ServeHTTP(w, r)
	})
}

// Inject places a /axis/{axis}/limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
}

// Limits returns an HTTP handler func that returns the limits for an axis
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := strings.ToLower(chi.URLParam(r, "axis"))
		lim, ok := l.Limits[axis]
		if !ok {
			generichttp.ReplyWithJSON(w, nil)
			return
		}
		generichttp.ReplyWithJSON(w, lim)
	}
}
