package transform

import (
	"fmt"
	"math"
	"strings"

	"spimfuse/pkg/errs"
)

// Model is a parametrization of affine transforms used by registration.
type Model int

const (
	// Rigid has 6 parameters: tz, ty, tx and the rotation angles about the
	// z, y and x axes in degrees.
	Rigid Model = iota
	// Full has 12 parameters: the linear part row by row, then tz, ty, tx.
	Full
)

func (m Model) String() string {
	if m == Full {
		return "affine"
	}
	return "rigid"
}

// ParseModel parses "rigid" or "affine".
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rigid":
		return Rigid, nil
	case "affine", "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown transform model %q", s)
}

func (m Model) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Model) UnmarshalText(b []byte) error {
	v, err := ParseModel(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// NumParams returns the length of the parameter vector.
func (m Model) NumParams() int {
	if m == Full {
		return 12
	}
	return 6
}

// IdentityParams returns the parameters of the identity transform.
func (m Model) IdentityParams() []float64 {
	p := make([]float64, m.NumParams())
	if m == Full {
		p[0], p[4], p[8] = 1, 1, 1
	}
	return p
}

// FromParams builds the transform described by params, applied about
// center.
func FromParams(m Model, params []float64, center [3]float64) (Affine, error) {
	if len(params) != m.NumParams() {
		return Affine{}, errs.Configuration("transform.FromParams", "%s model takes %d parameters, got %d",
			m, m.NumParams(), len(params))
	}
	for i, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Affine{}, errs.Numerical("transform.FromParams", map[string]any{"params": params},
				"parameter %d is not finite", i)
		}
	}
	var a Affine
	switch m {
	case Full:
		a = Identity()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a.m[i][j] = params[3*i+j]
			}
			a.m[i][3] = params[9+i]
		}
	default:
		a = Translation([3]float64{params[0], params[1], params[2]}).Compose(
			Rotation([3]float64{radians(params[3]), radians(params[4]), radians(params[5])}))
	}
	return a.Centered(center), nil
}

// RigidParams returns the rigid parameters of a about center. The linear
// part of a must be a rotation.
func RigidParams(a Affine, center [3]float64) []float64 {
	neg := [3]float64{-center[0], -center[1], -center[2]}
	local := Translation(neg).Compose(a).Compose(Translation(center))
	angles := RotationAngles(local)
	t := local.Offset()
	return []float64{t[0], t[1], t[2], degrees(angles[0]), degrees(angles[1]), degrees(angles[2])}
}

// RotationAngles extracts the z, y, x angles (radians) of the rotation in
// the linear part of a, inverting Rotation.
func RotationAngles(a Affine) [3]float64 {
	r := a.m
	sb := -r[0][2]
	sb = math.Max(-1, math.Min(1, sb))
	b := math.Asin(sb)
	if math.Abs(math.Cos(b)) < 1e-9 {
		return [3]float64{math.Atan2(-r[2][1], r[1][1]), b, 0}
	}
	return [3]float64{math.Atan2(r[1][2], r[2][2]), b, math.Atan2(r[0][1], r[0][0])}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
