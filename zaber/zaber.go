/*Package zaber drives Zaber motorized stages with the Zaber ASCII protocol.

Commands take the form "/<device> <axis> <command>" and every command is
answered by one reply "@<device> <axis> <flag> <status> <warning> <data>".
Alert ('!') and info ('#') lines are skipped.

Each logical axis (X, Y, Z) may live on a different device of the daisy
chain.  Positions are in nanometres and converted to microsteps with the
per-axis step size.  Moves block until the axis reports IDLE, so a returned
move has finished.
*/
package zaber

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Simscop/DenseLight/comm"
	"github.com/Simscop/DenseLight/motion"
)

const (
	// DefaultPollInterval is the idle polling period after a move
	DefaultPollInterval = 20 * time.Millisecond
)

// Reply is a parsed reply line
type Reply struct {
	Device  int
	Axis    int
	Flag    string
	Status  string
	Warning string
	Data    string
}

// Idle returns true if the axis is not moving
func (r Reply) Idle() bool {
	return r.Status == "IDLE"
}

// ReplyError is returned when the controller rejects a command
type ReplyError struct {
	Command string
	Reply   Reply
}

func (e ReplyError) Error() string {
	return fmt.Sprintf("zaber: device %d axis %d rejected %q: %s", e.Reply.Device, e.Reply.Axis, e.Command, e.Reply.Data)
}

// ParseReply parses one reply line
func ParseReply(line string) (Reply, error) {
	if !strings.HasPrefix(line, "@") {
		return Reply{}, fmt.Errorf("zaber: not a reply: %q", line)
	}
	f := strings.Fields(line[1:])
	if len(f) < 5 {
		return Reply{}, fmt.Errorf("zaber: short reply: %q", line)
	}
	dev, err := strconv.Atoi(f[0])
	if err != nil {
		return Reply{}, fmt.Errorf("zaber: bad device in %q: %w", line, err)
	}
	ax, err := strconv.Atoi(f[1])
	if err != nil {
		return Reply{}, fmt.Errorf("zaber: bad axis in %q: %w", line, err)
	}
	return Reply{
		Device:  dev,
		Axis:    ax,
		Flag:    f[2],
		Status:  f[3],
		Warning: f[4],
		Data:    strings.Join(f[5:], " ")}, nil
}

// Axis locates one logical axis on the chain
type Axis struct {
	// Device is the address on the daisy chain, from 1; zero disables the axis
	Device int `koanf:"device" yaml:"device"`

	// Number is the axis number on the device, from 1
	Number int `koanf:"number" yaml:"number"`

	// NmPerStep is the microstep size in nanometres
	NmPerStep float64 `koanf:"nmPerStep" yaml:"nmPerStep"`
}

func (a Axis) enabled() bool {
	return a.Device > 0
}

func (a Axis) steps(nm float64) int64 {
	scale := a.NmPerStep
	if scale <= 0 {
		scale = 1
	}
	return int64(math.Round(nm / scale))
}

func (a Axis) nm(steps float64) float64 {
	scale := a.NmPerStep
	if scale <= 0 {
		scale = 1
	}
	return steps * scale
}

// Config describes a stage
type Config struct {
	Conn         comm.Config   `koanf:"conn" yaml:"conn"`
	X            Axis          `koanf:"x" yaml:"x"`
	Y            Axis          `koanf:"y" yaml:"y"`
	Z            Axis          `koanf:"z" yaml:"z"`
	PollInterval time.Duration `koanf:"pollInterval" yaml:"pollInterval"`
}

// Stage is a three axis Zaber stage.  It implements motion.Stage,
// motion.InPositionQueryer, motion.Stopper and motion.Homer.
type Stage struct {
	*comm.RemoteDevice
	cfg Config
}

// New returns a stage for cfg, the connection opens on first use
func New(cfg Config) *Stage {
	if cfg.Conn.Baud == 0 {
		cfg.Conn.Baud = 115200
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Stage{RemoteDevice: comm.NewRemoteDevice(cfg.Conn), cfg: cfg}
}

func (s *Stage) axes() []Axis {
	return []Axis{s.cfg.X, s.cfg.Y, s.cfg.Z}
}

// Command sends a command to an axis and returns the reply, rejected
// commands are returned as ReplyError
func (s *Stage) Command(ctx context.Context, a Axis, cmd string) (Reply, error) {
	line := strings.TrimSpace(fmt.Sprintf("/%d %d %s", a.Device, a.Number, cmd))
	var (
		r    Reply
		perr error
	)
	_, err := s.Exchange(ctx, []byte(line), func(b []byte) bool {
		if len(b) == 0 || b[0] != '@' {
			return false
		}
		r, perr = ParseReply(string(b))
		return perr != nil || (r.Device == a.Device && r.Axis == a.Number)
	})
	if err != nil {
		return Reply{}, err
	}
	if perr != nil {
		return Reply{}, perr
	}
	if r.Flag != "OK" {
		return r, ReplyError{Command: cmd, Reply: r}
	}
	return r, nil
}

func (s *Stage) position(ctx context.Context, a Axis) (float64, error) {
	if !a.enabled() {
		return 0, nil
	}
	r, err := s.Command(ctx, a, "get pos")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.ParseFloat(r.Data, 64)
	if err != nil {
		return 0, fmt.Errorf("zaber: bad position %q: %w", r.Data, err)
	}
	return a.nm(steps), nil
}

// ReadPosition implements motion.Stage
func (s *Stage) ReadPosition(ctx context.Context) (motion.Position, error) {
	var (
		p   motion.Position
		err error
	)
	if p.X, err = s.position(ctx, s.cfg.X); err != nil {
		return p, err
	}
	if p.Y, err = s.position(ctx, s.cfg.Y); err != nil {
		return p, err
	}
	p.Z, err = s.position(ctx, s.cfg.Z)
	return p, err
}

func (s *Stage) move(ctx context.Context, a Axis, kind string, nm float64) error {
	if !a.enabled() {
		return nil
	}
	if _, err := s.Command(ctx, a, fmt.Sprintf("move %s %d", kind, a.steps(nm))); err != nil {
		return err
	}
	return s.waitIdle(ctx, a)
}

// SetPosition implements motion.Stage.  The axes move one after another.
func (s *Stage) SetPosition(ctx context.Context, p motion.Position) error {
	if err := s.move(ctx, s.cfg.X, "abs", p.X); err != nil {
		return err
	}
	if err := s.move(ctx, s.cfg.Y, "abs", p.Y); err != nil {
		return err
	}
	return s.move(ctx, s.cfg.Z, "abs", p.Z)
}

// MoveRelative implements motion.Stage.  Axes with no displacement are not commanded.
func (s *Stage) MoveRelative(ctx context.Context, d motion.Position) error {
	for _, m := range []struct {
		a Axis
		v float64
	}{{s.cfg.X, d.X}, {s.cfg.Y, d.Y}, {s.cfg.Z, d.Z}} {
		if m.v == 0 {
			continue
		}
		if err := s.move(ctx, m.a, "rel", m.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) waitIdle(ctx context.Context, a Axis) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r, err := s.Command(ctx, a, "")
		if err != nil {
			return err
		}
		if r.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// InPosition implements motion.InPositionQueryer
func (s *Stage) InPosition(ctx context.Context) (bool, error) {
	for _, a := range s.axes() {
		if !a.enabled() {
			continue
		}
		r, err := s.Command(ctx, a, "")
		if err != nil {
			return false, err
		}
		if !r.Idle() {
			return false, nil
		}
	}
	return true, nil
}

// Stop implements motion.Stopper
func (s *Stage) Stop(ctx context.Context) error {
	for _, a := range s.axes() {
		if !a.enabled() {
			continue
		}
		if _, err := s.Command(ctx, a, "stop"); err != nil {
			return err
		}
	}
	return nil
}

// Home implements motion.Homer.  Z homes first so the objective clears the sample.
func (s *Stage) Home(ctx context.Context) error {
	for _, a := range []Axis{s.cfg.Z, s.cfg.X, s.cfg.Y} {
		if !a.enabled() {
			continue
		}
		if _, err := s.Command(ctx, a, "home"); err != nil {
			return err
		}
		if err := s.waitIdle(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
