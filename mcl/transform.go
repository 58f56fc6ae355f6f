package mcl

import "math"

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, D: 1}
}

// TransformPoint applies an affine transformation to a point
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// MultiplyMatrices returns m1 * m2 (apply m2 first, then m1)
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// Determinant returns the determinant of the linear part
func (m AffineMatrix) Determinant() float64 {
	return m.A*m.D - m.B*m.C
}

// InvertMatrix returns the inverse of an affine matrix.
// A singular matrix yields the identity.
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.Determinant()
	if math.Abs(det) < 1e-12 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation matrix
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, Tx: tx, D: 1, Ty: ty}
}

// Rotation creates a counter-clockwise rotation about the origin (radians)
func Rotation(theta float64) AffineMatrix {
	sin, cos := math.Sincos(theta)
	return AffineMatrix{A: cos, B: -sin, C: sin, D: cos}
}

// Scale creates a uniform scaling matrix
func Scale(k float64) AffineMatrix {
	return AffineMatrix{A: k, D: k}
}

// Rotate rotates p counter-clockwise about the origin by theta radians
func Rotate(p Point, theta float64) Point {
	sin, cos := math.Sincos(theta)
	return Point{X: p.X*cos - p.Y*sin, Y: p.X*sin + p.Y*cos}
}

// NormalizeAngle wraps an angle in radians to (-pi, pi]
func NormalizeAngle(theta float64) float64 {
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		return 0
	}
	theta = math.Mod(theta, 2*math.Pi)
	if theta <= -math.Pi {
		theta += 2 * math.Pi
	} else if theta > math.Pi {
		theta -= 2 * math.Pi
	}
	return theta
}

// AngleDiff returns the signed smallest difference a - b, wrapped to (-pi, pi]
func AngleDiff(a, b float64) float64 {
	return NormalizeAngle(a - b)
}
