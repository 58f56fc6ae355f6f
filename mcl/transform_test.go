package mcl

import (
	"math"
	"testing"
)

const epsilon = 1e-10

// almostEqual checks if two floats are equal within epsilon tolerance
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// matricesEqual checks if two affine matrices are equal within epsilon tolerance
func matricesEqual(m1, m2 AffineMatrix) bool {
	return almostEqual(m1.A, m2.A) &&
		almostEqual(m1.B, m2.B) &&
		almostEqual(m1.Tx, m2.Tx) &&
		almostEqual(m1.C, m2.C) &&
		almostEqual(m1.D, m2.D) &&
		almostEqual(m1.Ty, m2.Ty)
}

// pointsEqual checks if two points are equal within epsilon tolerance
func pointsEqual(p1, p2 Point) bool {
	return almostEqual(p1.X, p2.X) && almostEqual(p1.Y, p2.Y)
}

func TestTransformPoint(t *testing.T) {
	tests := []struct {
		name   string
		point  Point
		matrix AffineMatrix
		want   Point
	}{
		{
			name:   "identity transform",
			point:  Point{X: 10, Y: 20},
			matrix: Identity(),
			want:   Point{X: 10, Y: 20},
		},
		{
			name:   "translation only",
			point:  Point{X: 5, Y: 5},
			matrix: Translation(10, 15),
			want:   Point{X: 15, Y: 20},
		},
		{
			name:   "scale 2x",
			point:  Point{X: 3, Y: 4},
			matrix: Scale(2),
			want:   Point{X: 6, Y: 8},
		},
		{
			name:   "90 degree rotation",
			point:  Point{X: 1, Y: 0},
			matrix: Rotation(math.Pi / 2),
			want:   Point{X: 0, Y: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TransformPoint(tt.point, tt.matrix)
			if !pointsEqual(got, tt.want) {
				t.Errorf("TransformPoint() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultiplyMatrices_AppliesRightFirst(t *testing.T) {
	m := MultiplyMatrices(Translation(1, 0), Rotation(math.Pi/2))
	got := TransformPoint(Point{X: 1, Y: 0}, m)
	want := Point{X: 1, Y: 1}
	if !pointsEqual(got, want) {
		t.Errorf("rotate then translate = %v, want %v", got, want)
	}
}

func TestInvertMatrix(t *testing.T) {
	m := MultiplyMatrices(Translation(3, -2), MultiplyMatrices(Rotation(0.7), Scale(4)))
	inv := InvertMatrix(m)
	if !matricesEqual(MultiplyMatrices(inv, m), Identity()) {
		t.Errorf("inv * m = %+v, want identity", MultiplyMatrices(inv, m))
	}

	singular := AffineMatrix{A: 1, B: 2, C: 2, D: 4}
	if !matricesEqual(InvertMatrix(singular), Identity()) {
		t.Error("singular matrix should invert to identity")
	}
}

func TestRotate(t *testing.T) {
	got := Rotate(Point{X: 0, Y: 2}, -math.Pi/2)
	if !pointsEqual(got, Point{X: 2, Y: 0}) {
		t.Errorf("Rotate() = %v, want (2, 0)", got)
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi, math.Pi},
		{2*math.Pi + 0.5, 0.5},
		{-2*math.Pi - 0.5, -0.5},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		got := NormalizeAngle(tt.in)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if got <= -math.Pi || got > math.Pi {
			t.Errorf("NormalizeAngle(%v) = %v outside (-pi, pi]", tt.in, got)
		}
	}
}

func TestAngleDiff_WrapsAcrossPi(t *testing.T) {
	a := 179 * math.Pi / 180
	b := -179 * math.Pi / 180
	got := AngleDiff(a, b)
	want := -2 * math.Pi / 180
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("AngleDiff() = %v, want %v", got, want)
	}
}
