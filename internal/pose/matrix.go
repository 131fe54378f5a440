// Package pose holds the device pose history and the small amount of matrix
// math the streaming client needs to translate tracking output into the
// remote runtime's formats.
package pose

import "math"

// Matrix34 is a 3x4 rigid transform (rotation + translation) in row-major
// order, the layout the remote runtime expects for device poses.
type Matrix34 [3][4]float32

// Mat4 is a 4x4 column-major matrix as produced by the tracking subsystem.
type Mat4 [4][4]float32

// DefaultTolerance is the per-component tolerance used when comparing poses.
const DefaultTolerance = 1e-4

// TransformFromMat4 extracts the rigid transform from a column-major 4x4
// pose matrix, transposing into the runtime's row-major 3x4 layout.
func TransformFromMat4(m Mat4) Matrix34 {
	var out Matrix34
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// ApproxEqual reports whether every component of m is within tol of o.
func (m Matrix34) ApproxEqual(o Matrix34, tol float32) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if float32(math.Abs(float64(m[i][j]-o[i][j]))) >= tol {
				return false
			}
		}
	}
	return true
}

// FrustumTangents converts a projection matrix into the explicit
// {left, right, -top, -bottom} tangent values the remote runtime requires.
// A non-zero horizontal skew term marks an asymmetric (off-axis) projection.
func FrustumTangents(proj Mat4) [4]float32 {
	var t [4]float32
	if math.Abs(float64(proj[2][0])) > 1e-4 {
		// Off-axis projection
		oneOver00 := 1 / proj[0][0]
		l := -(1 - proj[2][0]) * oneOver00
		r := 2*oneOver00 + l

		oneOver11 := 1 / proj[1][1]
		b := -(1 - proj[2][1]) * oneOver11
		top := 2*oneOver11 + b

		t[0] = l
		t[1] = r
		t[2] = -top
		t[3] = -b
	} else {
		t[0] = -1 / proj[0][0]
		t[1] = -t[0]
		t[2] = -1 / proj[1][1]
		t[3] = -t[2]
	}
	return t
}
