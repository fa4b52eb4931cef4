package motion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"strconv"
	"strings"

	"github.com/Simscop/DenseLight/generichttp"
	stage "github.com/Simscop/DenseLight/motion"
	"github.com/go-chi/chi"
)

var errUnknownAxis = errors.New("unknown axis, must be one of x, y, z")

// Axes lists the axis names accepted in paths
var Axes = []string{"x", "y", "z"}

// axisOf returns the component of p named by axis
func axisOf(p stage.Position, axis string) (float64, error) {
	switch strings.ToLower(axis) {
	case "x":
		return p.X, nil
	case "y":
		return p.Y, nil
	case "z":
		return p.Z, nil
	}
	return 0, fmt.Errorf("%w: %q", errUnknownAxis, axis)
}

// withAxis returns p with the component named by axis replaced by v
func withAxis(p stage.Position, axis string, v float64) (stage.Position, error) {
	switch strings.ToLower(axis) {
	case "x":
		p.X = v
	case "y":
		p.Y = v
	case "z":
		p.Z = v
	default:
		return p, fmt.Errorf("%w: %q", errUnknownAxis, axis)
	}
	return p, nil
}

// HTTPMove adds routes for the stage to the route table
func HTTPMove(s stage.Stage, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/pos"}] = GetPosition(s)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/pos"}] = SetPosition(s)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = GetPos(s)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}] = SetPos(s)
}

// GetPosition returns an HTTP handler func that replies with the position of all axes
func GetPosition(s stage.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pos, err := s.ReadPosition(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.ReplyWithJSON(w, pos)
	}
}

// SetPosition returns an HTTP handler func that moves all axes to the
// {"x", "y", "z"} position in the body, or by it if relative=true
func SetPosition(s stage.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relative, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pos := stage.Position{}
		err = json.NewDecoder(r.Body).Decode(&pos)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if relative {
			err = s.MoveRelative(r.Context(), pos)
		} else {
			err = s.SetPosition(r.Context(), pos)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetPos returns an HTTP handler func that gets the position of an axis
func GetPos(s stage.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pos, err := s.ReadPosition(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		f, err := axisOf(pos, chi.URLParam(r, "axis"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

func popRelative(r *http.Request) (bool, error) {
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	return strconv.ParseBool(relative)
}

// SetPos returns an HTTP handler func that triggers an absolute or
// relative move of one axis based on the relative query parameter.
// The other axes are held where they are.
func SetPos(s stage.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		relative, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = moveAxis(r.Context(), s, axis, f.F64, relative)
		if errors.Is(err, errUnknownAxis) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func moveAxis(ctx context.Context, s stage.Stage, axis string, v float64, relative bool) error {
	if relative {
		delta, err := withAxis(stage.Position{}, axis, v)
		if err != nil {
			return err
		}
		return s.MoveRelative(ctx, delta)
	}
	pos, err := s.ReadPosition(ctx)
	if err != nil {
		return err
	}
	target, err := withAxis(pos, axis, v)
	if err != nil {
		return err
	}
	return s.SetPosition(ctx, target)
}
