package imgrec

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Simscop/DenseLight/camera"
	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"
)

// Load reads a frame from a .fits, .tif, .png or .jpg file.  Only FITS files
// carry header cards; the other formats return none.
func Load(path string) (*camera.Frame, []fitsio.Card, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer fid.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return ReadFits(fid)
	case ".tif", ".tiff":
		return decode(fid, tiff.Decode)
	case ".png":
		return decode(fid, png.Decode)
	case ".jpg", ".jpeg":
		return decode(fid, jpeg.Decode)
	}
	return nil, nil, fmt.Errorf("unsupported image format %q", filepath.Ext(path))
}

func decode(r io.Reader, dec func(io.Reader) (image.Image, error)) (*camera.Frame, []fitsio.Card, error) {
	img, err := dec(r)
	if err != nil {
		return nil, nil, err
	}
	return FromImage(img), nil, nil
}

// FromImage converts a decoded image to a frame.  Gray images become
// monochrome frames at their native depth; everything else becomes a 16-bit
// RGB frame.
func FromImage(img image.Image) *camera.Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch t := img.(type) {
	case *image.Gray16:
		pix := make([]uint16, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = t.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		return camera.NewFrame(w, h, 1, 16, pix, nil)
	case *image.Gray:
		pix := make([]uint16, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = uint16(t.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return camera.NewFrame(w, h, 1, 8, pix, nil)
	}
	pix := make([]uint16, 3*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := 3 * (y*w + x)
			pix[i], pix[i+1], pix[i+2] = uint16(r), uint16(g), uint16(bl)
		}
	}
	return camera.NewFrame(w, h, 3, 16, pix, nil)
}

// ToImage converts the luminance of a frame to an image for encoding.
// Frames of 8 bits or fewer become image.Gray, deeper ones image.Gray16
// scaled to the full 16-bit range.
func ToImage(f *camera.Frame) image.Image {
	r := image.Rect(0, 0, f.Width, f.Height)
	lum := f.Luminance()
	if f.BitDepth <= 8 {
		img := image.NewGray(r)
		for i, v := range lum {
			img.Pix[i] = uint8(v)
		}
		return img
	}
	shift := uint(0)
	if f.BitDepth < 16 {
		shift = uint(16 - f.BitDepth)
	}
	img := image.NewGray16(r)
	for i, v := range lum {
		u := uint16(v) << shift
		img.Pix[2*i] = uint8(u >> 8)
		img.Pix[2*i+1] = uint8(u)
	}
	return img
}
