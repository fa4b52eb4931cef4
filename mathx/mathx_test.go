package mathx

import (
	"math"
	"testing"
)

func TestRoundUnits(t *testing.T) {
	cases := []struct {
		x, unit, expected float64
	}{
		{1.26, 0.1, 1.3},
		{-1.26, 0.1, -1.3},
		{12345, 100, 12300},
		{7, 0, 7},
	}
	for _, c := range cases {
		out := Round(c.x, c.unit)
		if math.Abs(out-c.expected) > 1e-9 {
			t.Errorf("Round(%v, %v): expected %v got %v", c.x, c.unit, c.expected, out)
		}
	}
}

func TestSign(t *testing.T) {
	if Sign(-3) != -1 || Sign(3) != 1 || Sign(0) != 0 {
		t.Error("expected Sign to return -1, 1, 0 for -3, 3, 0")
	}
}
