package imgrec

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Simscop/DenseLight/autofocus"
	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/Simscop/DenseLight/generichttp"
	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/image/tiff"
)

func ramp(w, h, depth int) *camera.Frame {
	pix := make([]uint16, w*h)
	max := 1<<uint(depth) - 1
	for i := range pix {
		pix[i] = uint16((i * 37) % (max + 1))
	}
	return camera.NewFrame(w, h, 1, depth, pix, nil)
}

func fixedDay(r *Recorder) {
	r.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }
}

func TestFitsRoundTrip(t *testing.T) {
	src := ramp(16, 8, 12)
	buf := &bytes.Buffer{}
	err := WriteFits(buf, []fitsio.Card{{Name: "Z", Value: 12.5}}, src)
	if err != nil {
		t.Fatal(err)
	}
	out, cards, err := ReadFits(buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 16 || out.Height != 8 || out.BitDepth != 12 {
		t.Errorf("expected 16x8 at 12 bits, got %dx%d at %d", out.Width, out.Height, out.BitDepth)
	}
	if diff := cmp.Diff(src.Pix, out.Pix); diff != "" {
		t.Errorf("pixels differ (-want +got):\n%s", diff)
	}
	z, ok := CardFloat(cards, "Z")
	if !ok || z != 12.5 {
		t.Errorf("expected Z card 12.5, got %v %v", z, ok)
	}
	crc, ok := CardFloat(cards, "PIXCRC")
	if !ok || uint16(crc) != PixelCRC(out) {
		t.Errorf("expected PIXCRC %d to match the pixels read back (%d)", uint16(crc), PixelCRC(out))
	}
}

func TestWriteFitsEmptyFrame(t *testing.T) {
	err := WriteFits(&bytes.Buffer{}, nil, &camera.Frame{})
	if err != camera.ErrEmptyFrame {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestPixelCRCChangesWithPixels(t *testing.T) {
	a := ramp(8, 8, 12)
	b := ramp(8, 8, 12)
	b.Pix[10]++
	if PixelCRC(a) == PixelCRC(b) {
		t.Error("expected different CRCs for different pixels")
	}
}

func TestLoadPNGAndTIFF(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray16(image.Rect(0, 0, 4, 3))
	for i := 0; i < 12; i++ {
		img.Pix[2*i] = uint8(i)
	}

	pngPath := filepath.Join(dir, "a.png")
	fid, _ := os.Create(pngPath)
	if err := png.Encode(fid, img); err != nil {
		t.Fatal(err)
	}
	fid.Close()

	tifPath := filepath.Join(dir, "a.tif")
	fid, _ = os.Create(tifPath)
	if err := tiff.Encode(fid, img, nil); err != nil {
		t.Fatal(err)
	}
	fid.Close()

	for _, p := range []string{pngPath, tifPath} {
		f, cards, err := Load(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if f.Width != 4 || f.Height != 3 || f.Channels != 1 || cards != nil {
			t.Errorf("%s: expected a 4x3 mono frame without cards, got %dx%dx%d", p, f.Width, f.Height, f.Channels)
		}
		if f.Pix[5] != 5<<8 {
			t.Errorf("%s: expected pixel 5 to be %d, got %d", p, 5<<8, f.Pix[5])
		}
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.bmp")
	os.WriteFile(p, []byte{0}, 0666)
	if _, _, err := Load(p); err == nil {
		t.Error("expected an error for .bmp")
	}
}

func TestToImageScalesDepth(t *testing.T) {
	f := camera.NewFrame(1, 1, 1, 12, []uint16{4095}, nil)
	g, ok := ToImage(f).(*image.Gray16)
	if !ok {
		t.Fatal("expected Gray16 for a 12-bit frame")
	}
	if v := g.Gray16At(0, 0).Y; v != 4095<<4 {
		t.Errorf("expected %d got %d", 4095<<4, v)
	}
	f8 := camera.NewFrame(1, 1, 1, 8, []uint16{200}, nil)
	if _, ok := ToImage(f8).(*image.Gray); !ok {
		t.Error("expected Gray for an 8-bit frame")
	}
}

func TestRecorderIncrementsAndRescans(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "af")
	fixedDay(r)
	f := ramp(8, 8, 12)
	p1, err := r.Record(f)
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := r.Record(f)
	wantDir := filepath.Join(root, "2024-03-09")
	if p1 != filepath.Join(wantDir, "af000001.fits") || p2 != filepath.Join(wantDir, "af000002.fits") {
		t.Errorf("unexpected paths %s %s", p1, p2)
	}

	// a fresh recorder continues after the files already on disk
	r2 := NewRecorder(root, "af")
	fixedDay(r2)
	p3, _ := r2.Record(f)
	if filepath.Base(p3) != "af000003.fits" {
		t.Errorf("expected af000003.fits, got %s", filepath.Base(p3))
	}

	r2.SetPrefix("other")
	p4, _ := r2.Record(f)
	if filepath.Base(p4) != "other000001.fits" {
		t.Errorf("expected other000001.fits, got %s", filepath.Base(p4))
	}
}

func TestRecorderWithoutRoot(t *testing.T) {
	r := NewRecorder("", "x")
	if _, err := r.Record(ramp(4, 4, 8)); err == nil {
		t.Error("expected an error with no root")
	}
}

func TestObserverRecordsWhenEnabled(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "z")
	fixedDay(r)
	obs := r.Observer(focus.Gradient)
	f := ramp(8, 8, 12)

	obs(autofocus.FocusSample{Z: 1, Score: 2}, f)
	entries, _ := os.ReadDir(filepath.Join(root, "2024-03-09"))
	if len(entries) != 0 {
		t.Fatalf("expected nothing recorded while disabled, got %d files", len(entries))
	}

	r.SetEnabled(true)
	obs(autofocus.FocusSample{Z: 4.5, Score: 99}, f)
	_, cards, err := Load(filepath.Join(root, "2024-03-09", "z000001.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if z, _ := CardFloat(cards, "Z"); z != 4.5 {
		t.Errorf("expected Z=4.5 got %v", z)
	}
	if s, _ := CardFloat(cards, "SCORE"); s != 99 {
		t.Errorf("expected SCORE=99 got %v", s)
	}
}

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestHTTPWrapperRoutes(t *testing.T) {
	r := NewRecorder(t.TempDir(), "a")
	rt := table{}
	NewHTTPWrapper(r).Inject(rt)

	set := rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}]
	w := httptest.NewRecorder()
	set(w, httptest.NewRequest(http.MethodPost, "/autowrite/prefix", strings.NewReader(`{"str":"scan"}`)))
	if r.Prefix() != "scan" {
		t.Errorf("expected prefix scan, got %q", r.Prefix())
	}

	en := rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}]
	w = httptest.NewRecorder()
	en(w, httptest.NewRequest(http.MethodPost, "/autowrite/enabled", strings.NewReader(`{"bool":true}`)))
	if !r.Enabled() {
		t.Error("expected recorder enabled")
	}

	get := rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}]
	w = httptest.NewRecorder()
	get(w, httptest.NewRequest(http.MethodGet, "/autowrite/prefix", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"str":"scan"}` {
		t.Errorf("expected {\"str\":\"scan\"} got %s", got)
	}
}
