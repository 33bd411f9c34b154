// Package transform implements 3D affine transforms and resampling of
// chunked volumes through them.
//
// Points are physical coordinates in (z, y, x) order, matching the axis
// order of volume.Array. A transform T used for resampling maps points of
// the output frame to points of the source frame: out(p) = src(T(p)).
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"spimfuse/pkg/errs"
)

// MaxCondition is the largest condition number of the linear part for
// which Invert succeeds.
const MaxCondition = 1e12

// Affine is an immutable 4x4 homogeneous transform. The zero value is not
// valid; use Identity.
type Affine struct {
	m [4][4]float64
}

// Identity returns the identity transform.
func Identity() Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		a.m[i][i] = 1
	}
	return a
}

// Translation returns a transform adding t to every point.
func Translation(t [3]float64) Affine {
	a := Identity()
	for i := 0; i < 3; i++ {
		a.m[i][3] = t[i]
	}
	return a
}

// Scaling returns a transform scaling each axis by s.
func Scaling(s [3]float64) Affine {
	a := Identity()
	for i := 0; i < 3; i++ {
		a.m[i][i] = s[i]
	}
	return a
}

// Rotation returns the rotation by angles (radians) about the z, y and x
// axes, applied in the order x, y, z.
func Rotation(angles [3]float64) Affine {
	sa, ca := math.Sincos(angles[0])
	sb, cb := math.Sincos(angles[1])
	sc, cc := math.Sincos(angles[2])
	a := Identity()
	a.m[0] = [4]float64{cb * cc, cb * sc, -sb, 0}
	a.m[1] = [4]float64{-ca*sc + sa*sb*cc, ca*cc + sa*sb*sc, sa * cb, 0}
	a.m[2] = [4]float64{sa*sc + ca*sb*cc, -sa*cc + ca*sb*sc, ca * cb, 0}
	return a
}

// FromRows builds a transform from a homogeneous matrix. The last row must
// be (0, 0, 0, 1).
func FromRows(rows [4][4]float64) (Affine, error) {
	if rows[3] != [4]float64{0, 0, 0, 1} {
		return Affine{}, errs.Configuration("transform.FromRows", "last row %v is not (0 0 0 1)", rows[3])
	}
	for i := range rows {
		for j := range rows[i] {
			if math.IsNaN(rows[i][j]) || math.IsInf(rows[i][j], 0) {
				return Affine{}, errs.Numerical("transform.FromRows", nil, "non-finite entry at (%d, %d)", i, j)
			}
		}
	}
	return Affine{m: rows}, nil
}

// FromMatrix builds a transform from a 4x4 or 3x4 matrix.
func FromMatrix(m mat.Matrix) (Affine, error) {
	r, c := m.Dims()
	if c != 4 || (r != 3 && r != 4) {
		return Affine{}, errs.Configuration("transform.FromMatrix", "matrix is %dx%d, want 4x4 or 3x4", r, c)
	}
	rows := Identity().m
	for i := 0; i < r; i++ {
		for j := 0; j < 4; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return FromRows(rows)
}

// Rows returns the homogeneous matrix.
func (a Affine) Rows() [4][4]float64 { return a.m }

// Dense returns the homogeneous matrix as a gonum matrix.
func (a Affine) Dense() *mat.Dense {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d.Set(i, j, a.m[i][j])
		}
	}
	return d
}

// Linear returns the 3x3 linear part.
func (a Affine) Linear() *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, a.m[i][j])
		}
	}
	return d
}

// Offset returns the translation part.
func (a Affine) Offset() [3]float64 {
	return [3]float64{a.m[0][3], a.m[1][3], a.m[2][3]}
}

// Apply maps point p.
func (a Affine) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = a.m[i][0]*p[0] + a.m[i][1]*p[1] + a.m[i][2]*p[2] + a.m[i][3]
	}
	return out
}

// ApplyVector maps direction v, ignoring translation.
func (a Affine) ApplyVector(v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = a.m[i][0]*v[0] + a.m[i][1]*v[1] + a.m[i][2]*v[2]
	}
	return out
}

// Compose returns the transform that applies b first and then a.
func (a Affine) Compose(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			s := 0.0
			for k := 0; k < 4; k++ {
				s += a.m[i][k] * b.m[k][j]
			}
			out.m[i][j] = s
		}
	}
	return out
}

// Condition returns the 2-norm condition number of the linear part.
func (a Affine) Condition() float64 {
	return mat.Cond(a.Linear(), 2)
}

// Invert returns the inverse transform. A singular or ill-conditioned
// linear part is a numerical error.
func (a Affine) Invert() (Affine, error) {
	cond := a.Condition()
	if math.IsNaN(cond) || cond > MaxCondition {
		return Affine{}, errs.Numerical("transform.Invert", map[string]any{"condition": cond, "matrix": a.m},
			"linear part is singular or ill-conditioned (condition number %.3g)", cond)
	}
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		return Affine{}, errs.Wrap(errs.KindNumerical, "transform.Invert", err)
	}
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out.m[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// MustInvert is Invert for transforms known to be invertible.
func (a Affine) MustInvert() Affine {
	inv, err := a.Invert()
	if err != nil {
		panic(err)
	}
	return inv
}

// Equal reports whether every matrix entry differs by at most tol.
func (a Affine) Equal(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a.m[i][j]-b.m[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// IsIdentity reports whether a is the identity within tol.
func (a Affine) IsIdentity(tol float64) bool { return a.Equal(Identity(), tol) }

func (a Affine) String() string {
	return fmt.Sprintf("[%v %v %v]", a.m[0], a.m[1], a.m[2])
}

// Centered returns the transform that applies a about center instead of
// the origin.
func (a Affine) Centered(center [3]float64) Affine {
	neg := [3]float64{-center[0], -center[1], -center[2]}
	return Translation(center).Compose(a).Compose(Translation(neg))
}
