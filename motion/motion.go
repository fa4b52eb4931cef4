// Package motion contains the abstract interface for the XYZ stage the
// autofocus engine drives.
package motion

import (
	"context"
	"fmt"
)

// Position is a point in stage coordinates.  All axes share one linear unit.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// String formats the position for logs
func (p Position) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

// WithZ returns a copy of p with Z replaced
func (p Position) WithZ(z float64) Position {
	p.Z = z
	return p
}

// Stage describes a set of methods on a rudimentary three axis stage
type Stage interface {
	// ReadPosition gets the current position of all axes
	ReadPosition(context.Context) (Position, error)

	// SetPosition moves all axes to an absolute position and returns once
	// the controller has accepted (or completed) the motion
	SetPosition(context.Context, Position) error

	// MoveRelative moves all axes a relative amount
	MoveRelative(context.Context, Position) error
}

// InPositionQueryer is a stage which can report that motion has finished
type InPositionQueryer interface {
	// InPosition returns true when no axis is moving
	InPosition(context.Context) (bool, error)
}

// Stopper is a stage which can abort motion
type Stopper interface {
	// Stop aborts motion of all axes
	Stop(context.Context) error
}

// Homer is a stage which can home its axes
type Homer interface {
	// Home homes all axes
	Home(context.Context) error
}
