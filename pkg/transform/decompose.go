package transform

import (
	"gonum.org/v1/gonum/mat"

	"spimfuse/pkg/errs"
)

// Decomposition splits an affine transform into translation, rotation,
// zoom and shear such that A = T * R * Z * S, where S is unit upper
// triangular with off-diagonal entries (s01, s02, s12).
type Decomposition struct {
	Translation [3]float64
	Rotation    Affine
	Zoom        [3]float64
	Shear       [3]float64
}

// Decompose factors a via the Cholesky decomposition of LᵀL, where L is
// the linear part. A reflection is absorbed into a negative first zoom.
func (a Affine) Decompose() (Decomposition, error) {
	l := a.Linear()
	var ltl mat.SymDense
	ltl.SymOuterK(1, l.T())

	var chol mat.Cholesky
	if ok := chol.Factorize(&ltl); !ok {
		return Decomposition{}, errs.Numerical("transform.Decompose", map[string]any{"matrix": a.m},
			"linear part is singular")
	}
	var u mat.TriDense
	chol.UTo(&u)

	zs := mat.DenseCopyOf(&u)
	rotation := func() (*mat.Dense, error) {
		var inv mat.Dense
		if err := inv.Inverse(zs); err != nil {
			return nil, err
		}
		var r mat.Dense
		r.Mul(l, &inv)
		return &r, nil
	}
	r, err := rotation()
	if err != nil {
		return Decomposition{}, errs.Wrap(errs.KindNumerical, "transform.Decompose", err)
	}
	if mat.Det(r) < 0 {
		for j := 0; j < 3; j++ {
			zs.Set(0, j, -zs.At(0, j))
		}
		if r, err = rotation(); err != nil {
			return Decomposition{}, errs.Wrap(errs.KindNumerical, "transform.Decompose", err)
		}
	}

	d := Decomposition{Translation: a.Offset(), Rotation: Identity()}
	for i := 0; i < 3; i++ {
		d.Zoom[i] = zs.At(i, i)
		for j := 0; j < 3; j++ {
			d.Rotation.m[i][j] = r.At(i, j)
		}
	}
	d.Shear = [3]float64{zs.At(0, 1) / d.Zoom[0], zs.At(0, 2) / d.Zoom[0], zs.At(1, 2) / d.Zoom[1]}
	return d, nil
}

// Affine recomposes the transform.
func (d Decomposition) Affine() Affine {
	s := Identity()
	s.m[0][1], s.m[0][2], s.m[1][2] = d.Shear[0], d.Shear[1], d.Shear[2]
	return Translation(d.Translation).Compose(d.Rotation).Compose(Scaling(d.Zoom)).Compose(s)
}
