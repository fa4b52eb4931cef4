// Package camera provides an HTTP interface to the camera used for autofocus
package camera

import (
	"bytes"
	"go/types"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/generichttp"
	"github.com/Simscop/DenseLight/imgrec"
	"github.com/Simscop/DenseLight/motion"
	"github.com/astrogo/fitsio"
)

// HTTPCamera wraps a camera with HTTP
type HTTPCamera struct {
	Camera camera.Capturer

	// Scorer scores frames for /score; nil uses the default metric
	Scorer focus.Scorer

	// CropRatio is the default crop for /score
	CropRatio float64

	// Stage, if not nil, is read to put a Z card in FITS downloads
	Stage motion.Stage

	// Recorder, if not nil and enabled, also records FITS downloads
	Recorder *imgrec.Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper with the route table pre-configured
func NewHTTPCamera(c camera.Capturer, s focus.Scorer, cropRatio float64) *HTTPCamera {
	if s == nil {
		s, _ = focus.New(focus.Gradient)
	}
	h := &HTTPCamera{Camera: c, Scorer: s, CropRatio: cropRatio}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/frame"}] = GetFrame(h)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/score"}] = GetScore(h)
	h.RouteTable = rt
	return h
}

// RT satisfies the HTTPer interface
func (h *HTTPCamera) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetFrame returns an HTTP handler func that captures a frame and sends it
// back.  The format is selected with the fmt query parameter, one of jpg
// (the default), png, or fits.
func GetFrame(h *HTTPCamera) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("fmt")
		if format == "" {
			format = "jpg"
		}
		if format != "jpg" && format != "png" && format != "fits" {
			http.Error(w, "fmt must be one of jpg, png, fits", http.StatusBadRequest)
			return
		}
		f, err := h.Camera.Capture(r.Context())
		defer f.Release()
		if err == nil && f.Empty() {
			err = camera.ErrEmptyFrame
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		buf := &bytes.Buffer{}
		switch format {
		case "jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			err = jpeg.Encode(buf, imgrec.ToImage(f), nil)
		case "png":
			w.Header().Set("Content-Type", "image/png")
			err = png.Encode(buf, imgrec.ToImage(f))
		case "fits":
			cards := []fitsio.Card{}
			if h.Stage != nil {
				if pos, perr := h.Stage.ReadPosition(r.Context()); perr == nil {
					cards = append(cards, fitsio.Card{Name: "Z", Value: pos.Z, Comment: "stage Z position"})
				}
			}
			if h.Recorder != nil && h.Recorder.Enabled() {
				if _, rerr := h.Recorder.Record(f, cards...); rerr != nil {
					http.Error(w, rerr.Error(), http.StatusInternalServerError)
					return
				}
			}
			hdr := w.Header()
			hdr.Set("Content-Type", "image/fits")
			hdr.Set("Content-Disposition", "attachment; filename=image.fits")
			err = imgrec.WriteFits(buf, cards, f)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}

// GetScore returns an HTTP handler func that captures a frame and replies
// with its focus score as {"f64": score}.  The crop query parameter
// overrides the default crop ratio.
func GetScore(h *HTTPCamera) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		crop := h.CropRatio
		if s := r.URL.Query().Get("crop"); s != "" {
			c, err := strconv.ParseFloat(s, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			crop = c
		}
		f, err := h.Camera.Capture(r.Context())
		defer f.Release()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		score, err := h.Scorer.Score(f, crop)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: score}
		hp.EncodeAndRespond(w, r)
	}
}
