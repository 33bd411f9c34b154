package fusion

import (
	"fmt"
	"math"
	"strings"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/volume"
)

// BlendMode selects a non-deconvolving fusion.
type BlendMode int

const (
	// BlendMax keeps the brightest view at every voxel.
	BlendMax BlendMode = iota
	// BlendMean averages the views that cover a voxel. Zero voxels are
	// treated as outside the view.
	BlendMean
)

func (m BlendMode) String() string {
	if m == BlendMean {
		return "mean"
	}
	return "max"
}

// ParseBlendMode parses "max" or "mean".
func ParseBlendMode(s string) (BlendMode, error) {
	switch strings.ToLower(s) {
	case "", "max":
		return BlendMax, nil
	case "mean":
		return BlendMean, nil
	}
	return 0, fmt.Errorf("unknown blend mode %q", s)
}

// Blend fuses the views voxel by voxel without deconvolution. PSFs are
// ignored and may be nil.
func Blend(views []*volume.Volume, mode BlendMode) (*volume.Volume, error) {
	if len(views) == 0 {
		return nil, errs.Configuration("fusion.Blend", "no views")
	}
	inputs := make([]Input, len(views))
	for i, v := range views {
		inputs[i] = Input{Name: fmt.Sprintf("view%d", i), Volume: v}
	}
	if _, err := validate("fusion.Blend", inputs, false); err != nil {
		return nil, err
	}
	fn := func(vals []float64) float64 {
		m := math.Inf(-1)
		for _, v := range vals {
			m = math.Max(m, v)
		}
		return m
	}
	if mode == BlendMean {
		fn = func(vals []float64) float64 {
			s, n := 0.0, 0
			for _, v := range vals {
				if v != 0 {
					s += v
					n++
				}
			}
			if n == 0 {
				return 0
			}
			return s / float64(n)
		}
	}
	return views[0].Zip("blend-"+mode.String(), fn, views[1:]...)
}
