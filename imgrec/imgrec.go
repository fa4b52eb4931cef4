// Package imgrec contains an image recorder used to automatically save images to disk.
package imgrec

import (
	"fmt"
	"go/types"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Simscop/DenseLight/autofocus"
	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/generichttp"
	"github.com/astrogo/fitsio"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd
// subfolders.  It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// counter is the next file number; zero means the folder has not been scanned yet
	counter int

	root, prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	enabled bool

	// now is time.Now outside of tests
	now func() time.Time
}

// NewRecorder returns a disabled recorder writing below root
func NewRecorder(root, prefix string) *Recorder {
	return &Recorder{root: root, prefix: prefix, now: time.Now}
}

// updateFolder checks the current time and updates the folder, resetting the
// counter when the day rolls over
func (r *Recorder) updateFolder() {
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	fldr := fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
	if fldr != r.timeFldr {
		r.timeFldr = fldr
		r.counter = 0
	}
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// scan finds the highest numbered file with the recorder's prefix in dir
func (r *Recorder) scan(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		// skip directories, non-fits, and wrong prefix
		fn := e.Name()
		if e.IsDir() || !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count
}

// Record writes f as the next FITS file in today's folder and returns its path
func (r *Recorder) Record(f *camera.Frame, cards ...fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root == "" {
		return "", fmt.Errorf("recorder has no root folder")
	}
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	if r.counter == 0 {
		r.counter = r.scan(fldr) + 1
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	err = WriteFits(fid, cards, f)
	cerr := fid.Close()
	if err != nil {
		os.Remove(fn)
		return "", err
	}
	if cerr != nil {
		return "", cerr
	}
	r.counter++
	return fn, nil
}

// Root returns the root folder
func (r *Recorder) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetRoot changes the root folder and creates today's folder below it
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	r.counter = 0
	r.updateFolder()
	_, err := r.mkDir()
	return err
}

// Prefix returns the filename prefix
func (r *Recorder) Prefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

// SetPrefix changes the filename prefix.  Numbering restarts after the
// highest existing file with the new prefix.
func (r *Recorder) SetPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = prefix
	r.counter = 0
}

// Enabled returns true if the Observer records frames
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled turns recording by the Observer on or off
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = b
}

// Observer returns an autofocus.Observer which records every scored frame
// with Z, SCORE and METRIC cards while the recorder is enabled.  Errors are
// logged and do not stop the run.
func (r *Recorder) Observer(metric focus.Metric) autofocus.Observer {
	return func(s autofocus.FocusSample, f *camera.Frame) {
		if !r.Enabled() {
			return
		}
		cards := []fitsio.Card{
			{Name: "Z", Value: s.Z, Comment: "stage Z position"},
			{Name: "SCORE", Value: s.Score, Comment: "focus score"},
			{Name: "METRIC", Value: string(metric), Comment: "focus metric"},
			{Name: "DATE-OBS", Value: time.Now().UTC().Format("2006-01-02T15:04:05.000")},
		}
		if _, err := r.Record(f, cards...); err != nil {
			log.Printf("imgrec: recording frame at Z=%g: %v", s.Z, err)
		}
	}
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Root()}
	hp.EncodeAndRespond(w, r)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Prefix()}
	hp.EncodeAndRespond(w, r)
}

// GetEnabled returns the Recorder's enabled flag
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Recorder.Enabled()}
	hp.EncodeAndRespond(w, r)
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and
// /autowrite/enabled to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.Recorder.SetRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(func(s string) error {
		h.Recorder.SetPrefix(s)
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(func(b bool) error {
		h.Recorder.SetEnabled(b)
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
}
