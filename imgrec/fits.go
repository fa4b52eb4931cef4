package imgrec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/Simscop/DenseLight/camera"
	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"
)

// ErrNotImage is generated when the primary HDU of a FITS file is not an image
var ErrNotImage = errors.New("primary HDU is not an image")

var crcTable = crc.NewTable(crc.XMODEM)

// PixelCRC returns the CRC-16/XMODEM of the frame luminance as big endian uint16s,
// the order the samples are stored in FITS
func PixelCRC(f *camera.Frame) uint16 {
	lum := f.Luminance()
	buf := make([]byte, 2*len(lum))
	for i, v := range lum {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(math.Round(v)))
	}
	return uint16(crcTable.CalculateCRC(buf))
}

// WriteFits streams a frame to w as a 16-bit FITS image.  Color frames are
// reduced to luminance.  A PIXCRC card holding PixelCRC is appended to the
// metadata.
func WriteFits(w io.Writer, metadata []fitsio.Card, f *camera.Frame) error {
	if f.Empty() {
		return camera.ErrEmptyFrame
	}
	md := make([]fitsio.Card, 0, len(metadata)+4)
	md = append(md, metadata...)
	md = append(md,
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
		fitsio.Card{Name: "BITDEPTH", Value: f.BitDepth, Comment: "significant bits per sample"},
		fitsio.Card{Name: "PIXCRC", Value: int(PixelCRC(f)), Comment: "CRC-16/XMODEM of pixel data"})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	if err = im.Header().Append(md...); err != nil {
		return err
	}
	lum := f.Luminance()
	ints := make([]int16, len(lum))
	for i, v := range lum {
		ints[i] = int16(int32(math.Round(v)) - 32768)
	}
	if err = im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadFits reads the primary image of a FITS file into a monochrome frame
// and returns the header cards alongside.
func ReadFits(r io.Reader) (*camera.Frame, []fitsio.Card, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	defer fits.Close()
	img, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		return nil, nil, ErrNotImage
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, nil, fmt.Errorf("%w: %d axes", ErrNotImage, len(axes))
	}
	w, h := axes[0], axes[1]
	var zero float64
	if c := hdr.Get("BZERO"); c != nil {
		zero = cardFloat(c.Value)
	}
	pix := make([]uint16, w*h)
	switch hdr.Bitpix() {
	case 8:
		raw := make([]uint8, w*h)
		if err := img.Read(&raw); err != nil {
			return nil, nil, err
		}
		for i := range pix {
			pix[i] = uint16(raw[i])
		}
	case 16:
		raw := make([]int16, w*h)
		if err := img.Read(&raw); err != nil {
			return nil, nil, err
		}
		for i := range pix {
			pix[i] = uint16(math.Round(float64(raw[i]) + zero))
		}
	default:
		return nil, nil, fmt.Errorf("%w: unsupported BITPIX %d", ErrNotImage, hdr.Bitpix())
	}
	depth := 16
	if c := hdr.Get("BITDEPTH"); c != nil {
		depth = int(cardFloat(c.Value))
	} else if hdr.Bitpix() == 8 {
		depth = 8
	}
	cards := make([]fitsio.Card, 0, len(hdr.Keys()))
	for _, k := range hdr.Keys() {
		if c := hdr.Get(k); c != nil {
			cards = append(cards, *c)
		}
	}
	return camera.NewFrame(w, h, 1, depth, pix, nil), cards, nil
}

// CardFloat returns the numeric value of the named card, if present
func CardFloat(cards []fitsio.Card, name string) (float64, bool) {
	for _, c := range cards {
		if c.Name == name {
			return cardFloat(c.Value), true
		}
	}
	return 0, false
}

func cardFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case float32:
		return float64(t)
	}
	return 0
}
