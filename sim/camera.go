package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/motion"
	"github.com/Simscop/DenseLight/util"
)

// ErrCaptureFault is generated by injected capture failures
var ErrCaptureFault = errors.New("simulated capture fault")

// Positioner reports where the optics are focused
type Positioner interface {
	ReadPosition(context.Context) (motion.Position, error)
}

// Slice is a recorded frame and the Z it was taken at
type Slice struct {
	Z     float64
	Frame *camera.Frame
}

// Camera renders frames of a specimen with one or more in-focus surfaces
type Camera struct {
	mu sync.Mutex

	// Stage supplies the focus Z of every capture
	Stage Positioner

	Width, Height, BitDepth int

	// Surfaces are the Z of the sharp planes of the specimen
	Surfaces []float64

	// DepthOfField is the Z distance that blurs by one pixel of Gaussian sigma
	DepthOfField float64

	// Noise is the standard deviation of additive Gaussian read noise, in DN
	Noise float64

	// Latency is the exposure plus readout time
	Latency time.Duration

	// Stack, if not empty, replaces rendering with the slice nearest in Z
	Stack []Slice

	// FailWhen, if not nil, makes the nth capture (from 1) at z fail
	FailWhen func(n int, z float64) bool

	// EmptyWhen, if not nil, makes the nth capture at z return an empty frame
	EmptyWhen func(n int, z float64) bool

	seed        int64
	rng         *rand.Rand
	textures    [][]float64
	pool        sync.Pool
	captures    int
	outstanding int
}

// NewCamera returns a 64x64 12-bit camera looking at surfaces through stage
func NewCamera(stage Positioner, seed int64, surfaces ...float64) *Camera {
	return &Camera{
		Stage:        stage,
		Width:        64,
		Height:       64,
		BitDepth:     12,
		Surfaces:     surfaces,
		DepthOfField: 10,
		seed:         seed,
		rng:          rand.New(rand.NewSource(seed))}
}

// Capture implements camera.Capturer
func (c *Camera) Capture(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos, err := c.Stage.ReadPosition(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.captures++
	n := c.captures
	latency := c.Latency
	c.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if c.FailWhen != nil && c.FailWhen(n, pos.Z) {
		return nil, ErrCaptureFault
	}
	if c.EmptyWhen != nil && c.EmptyWhen(n, pos.Z) {
		return &camera.Frame{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var pix []uint16
	if len(c.Stack) > 0 {
		pix = c.replay(pos.Z)
	} else {
		pix = c.render(pos.Z)
	}
	c.outstanding++
	ch := 1
	if len(c.Stack) > 0 {
		ch = c.nearest(pos.Z).Frame.Channels
	}
	return camera.NewFrame(c.width(), c.height(), ch, c.bitDepth(), pix, c.release), nil
}

// Captures returns the number of capture attempts
func (c *Camera) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// Outstanding returns the number of frames handed out and not yet released
func (c *Camera) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

func (c *Camera) release(pix []uint16) {
	c.mu.Lock()
	c.outstanding--
	c.mu.Unlock()
	if len(c.Stack) == 0 {
		c.pool.Put(pix[:0])
	}
}

func (c *Camera) width() int {
	if len(c.Stack) > 0 {
		return c.Stack[0].Frame.Width
	}
	return c.Width
}

func (c *Camera) height() int {
	if len(c.Stack) > 0 {
		return c.Stack[0].Frame.Height
	}
	return c.Height
}

func (c *Camera) bitDepth() int {
	if len(c.Stack) > 0 {
		return c.Stack[0].Frame.BitDepth
	}
	if c.BitDepth <= 0 || c.BitDepth > 16 {
		return 16
	}
	return c.BitDepth
}

func (c *Camera) nearest(z float64) Slice {
	best := c.Stack[0]
	for _, s := range c.Stack[1:] {
		if math.Abs(s.Z-z) < math.Abs(best.Z-z) {
			best = s
		}
	}
	return best
}

func (c *Camera) replay(z float64) []uint16 {
	src := c.nearest(z).Frame.Pix
	out := make([]uint16, len(src))
	copy(out, src)
	return out
}

func (c *Camera) buffer(n int) []uint16 {
	if b, ok := c.pool.Get().([]uint16); ok && cap(b) >= n {
		return b[:n]
	}
	return make([]uint16, n)
}

// texture returns the sharp image of surface k, 2x2 pixel blocks of random level
func (c *Camera) texture(k int) []float64 {
	for len(c.textures) <= k {
		rng := rand.New(rand.NewSource(c.seed + int64(len(c.textures))*7919))
		w, h := c.Width, c.Height
		full := float64(int(1)<<uint(c.bitDepth()) - 1)
		tex := make([]float64, w*h)
		for y := 0; y < h; y += 2 {
			for x := 0; x < w; x += 2 {
				v := full * (0.125 + 0.75*rng.Float64())
				for dy := 0; dy < 2 && y+dy < h; dy++ {
					for dx := 0; dx < 2 && x+dx < w; dx++ {
						tex[(y+dy)*w+x+dx] = v
					}
				}
			}
		}
		c.textures = append(c.textures, tex)
	}
	return c.textures[k]
}

func (c *Camera) render(z float64) []uint16 {
	w, h := c.Width, c.Height
	acc := make([]float64, w*h)
	surfaces := c.Surfaces
	if len(surfaces) == 0 {
		surfaces = []float64{0}
	}
	dof := c.DepthOfField
	if dof <= 0 {
		dof = 1
	}
	for k, s := range surfaces {
		img := GaussianBlur(c.texture(k), w, h, math.Abs(z-s)/dof)
		for i, v := range img {
			acc[i] += v / float64(len(surfaces))
		}
	}
	full := float64(int(1)<<uint(c.bitDepth()) - 1)
	pix := c.buffer(w * h)
	for i, v := range acc {
		if c.Noise > 0 {
			v += c.rng.NormFloat64() * c.Noise
		}
		pix[i] = uint16(math.Round(util.Clamp(v, 0, full)))
	}
	return pix
}

// GaussianBlur blurs a w x h image with a separable Gaussian of sigma pixels.
// Edges are clamped.  A sigma below 0.1 returns a copy.
func GaussianBlur(src []float64, w, h int, sigma float64) []float64 {
	out := make([]float64, len(src))
	if sigma < 0.1 {
		copy(out, src)
		return out
	}
	r := min(int(math.Ceil(3*sigma)), max(w, h))
	k := make([]float64, 2*r+1)
	var sum float64
	for i := -r; i <= r; i++ {
		k[i+r] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
		sum += k[i+r]
	}
	for i := range k {
		k[i] /= sum
	}
	tmp := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i := -r; i <= r; i++ {
				xx := clampIdx(x+i, w)
				acc += k[i+r] * src[y*w+xx]
			}
			tmp[y*w+x] = acc
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i := -r; i <= r; i++ {
				yy := clampIdx(y+i, h)
				acc += k[i+r] * tmp[yy*w+x]
			}
			out[y*w+x] = acc
		}
	}
	return out
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
