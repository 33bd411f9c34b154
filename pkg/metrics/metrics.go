// Package metrics computes agreement scores between volumes and resolution
// measurements of point-like objects.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"spimfuse/pkg/volume"
)

// Agreement summarizes how well two volumes of the same shape agree.
type Agreement struct {
	MI          float64 `json:"mi"`           // Histogram mutual information in nats
	RMSE        float64 `json:"rmse"`         // Root mean square error
	SSIM        float64 `json:"ssim"`         // Global structural similarity
	EntropyDiff float64 `json:"entropy_diff"` // |H(a) - H(b)| in bits
	Correlation float64 `json:"correlation"`  // Pearson correlation
}

// DefaultBins is the histogram size used by Compare.
const DefaultBins = 64

// Compare computes every agreement metric between a and b.
func Compare(a, b []float64) Agreement {
	if len(a) != len(b) || len(a) == 0 {
		return Agreement{}
	}
	return Agreement{
		MI:          MutualInformation(a, b, DefaultBins),
		RMSE:        RMSE(a, b),
		SSIM:        SSIM(a, b),
		EntropyDiff: math.Abs(Entropy(a, 256) - Entropy(b, 256)),
		Correlation: Correlation(a, b),
	}
}

// RMSE computes the root mean square error.
func RMSE(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n == 0 {
		return 0
	}
	return floats.Distance(a, b, 2) / math.Sqrt(float64(n))
}

// Correlation returns the Pearson correlation, or 0 when either input is
// constant.
func Correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// SSIM computes the structural similarity index over the whole volume, with
// the dynamic range taken from the data.
func SSIM(a, b []float64) float64 {
	const k1, k2 = 0.01, 0.03
	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}
	lo := math.Min(floats.Min(a), floats.Min(b))
	hi := math.Max(floats.Max(a), floats.Max(b))
	l := hi - lo
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX, muY := stat.Mean(a, nil), stat.Mean(b, nil)
	sigmaX, sigmaY := stat.Variance(a, nil), stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// Entropy computes the Shannon entropy in bits of a bins-bin histogram.
func Entropy(data []float64, bins int) float64 {
	h, n := Histogram(data, bins)
	if n == 0 {
		return 0
	}
	e := 0.0
	for _, c := range h {
		if c > 0 {
			p := c / n
			e -= p * math.Log2(p)
		}
	}
	return e
}

// Histogram bins data uniformly between its minimum and maximum. It returns
// the counts and their total.
func Histogram(data []float64, bins int) ([]float64, float64) {
	if len(data) == 0 || bins < 1 {
		return nil, 0
	}
	lo, hi := floats.Min(data), floats.Max(data)
	h := make([]float64, bins)
	if hi <= lo {
		h[0] = float64(len(data))
		return h, float64(len(data))
	}
	w := (hi - lo) / float64(bins)
	for _, v := range data {
		h[Bin(v, lo, w, bins)]++
	}
	return h, float64(len(data))
}

// Bin returns the histogram bin of v for bins of width w starting at lo.
func Bin(v, lo, w float64, bins int) int {
	i := int((v - lo) / w)
	if i >= bins {
		return bins - 1
	}
	if i < 0 {
		return 0
	}
	return i
}

// MutualInformation computes the mutual information (nats) of the joint
// histogram of a and b.
func MutualInformation(a, b []float64, bins int) float64 {
	n := len(a)
	if n != len(b) || n == 0 || bins < 2 {
		return 0
	}
	j := NewJointHistogram(bins, floats.Min(a), floats.Max(a), floats.Min(b), floats.Max(b))
	j.AddAll(a, b)
	return j.MutualInformation()
}

// JointHistogram accumulates pairs of values into a bins x bins table.
// Histograms with the same binning can be merged, which lets per-chunk
// partial histograms be combined deterministically.
type JointHistogram struct {
	Bins    int
	LoA, WA float64
	LoB, WB float64
	Counts  []float64
	Total   float64
}

// NewJointHistogram creates an empty histogram spanning [loA, hiA] x [loB, hiB].
func NewJointHistogram(bins int, loA, hiA, loB, hiB float64) *JointHistogram {
	wa := (hiA - loA) / float64(bins)
	wb := (hiB - loB) / float64(bins)
	if wa <= 0 {
		wa = 1
	}
	if wb <= 0 {
		wb = 1
	}
	return &JointHistogram{Bins: bins, LoA: loA, WA: wa, LoB: loB, WB: wb, Counts: make([]float64, bins*bins)}
}

// Add counts one pair.
func (j *JointHistogram) Add(a, b float64) {
	j.Counts[Bin(a, j.LoA, j.WA, j.Bins)*j.Bins+Bin(b, j.LoB, j.WB, j.Bins)]++
	j.Total++
}

// AddLinear spreads one pair over the four nearest bin centres with
// bilinear weights, which makes the histogram a continuous function of the
// values.
func (j *JointHistogram) AddLinear(a, b float64) {
	fa := (a-j.LoA)/j.WA - 0.5
	fb := (b-j.LoB)/j.WB - 0.5
	ia, ib := int(math.Floor(fa)), int(math.Floor(fb))
	ta, tb := fa-float64(ia), fb-float64(ib)
	for da := 0; da < 2; da++ {
		wa := 1 - ta
		if da == 1 {
			wa = ta
		}
		ba := min(max(ia+da, 0), j.Bins-1)
		for db := 0; db < 2; db++ {
			wb := 1 - tb
			if db == 1 {
				wb = tb
			}
			bb := min(max(ib+db, 0), j.Bins-1)
			j.Counts[ba*j.Bins+bb] += wa * wb
		}
	}
	j.Total++
}

// AddAll counts every pair of a and b.
func (j *JointHistogram) AddAll(a, b []float64) {
	for i := range a {
		j.Add(a[i], b[i])
	}
}

// Merge adds the counts of o, which must have the same binning.
func (j *JointHistogram) Merge(o *JointHistogram) {
	floats.Add(j.Counts, o.Counts)
	j.Total += o.Total
}

// Empty returns a histogram with the binning of j and no counts.
func (j *JointHistogram) Empty() *JointHistogram {
	return &JointHistogram{Bins: j.Bins, LoA: j.LoA, WA: j.WA, LoB: j.LoB, WB: j.WB, Counts: make([]float64, len(j.Counts))}
}

// MutualInformation returns sum p(a,b) log(p(a,b) / (p(a) p(b))).
func (j *JointHistogram) MutualInformation() float64 {
	if j.Total == 0 {
		return 0
	}
	pa := make([]float64, j.Bins)
	pb := make([]float64, j.Bins)
	for i := 0; i < j.Bins; i++ {
		for k := 0; k < j.Bins; k++ {
			c := j.Counts[i*j.Bins+k]
			pa[i] += c
			pb[k] += c
		}
	}
	mi := 0.0
	for i := 0; i < j.Bins; i++ {
		for k := 0; k < j.Bins; k++ {
			c := j.Counts[i*j.Bins+k]
			if c == 0 {
				continue
			}
			mi += c / j.Total * math.Log(c*j.Total/(pa[i]*pb[k]))
		}
	}
	return mi
}

// FWHM measures the full width at half maximum of the brightest object in
// a along each axis, in physical units. Each width is taken on the line
// through the brightest voxel, with linear interpolation of the half
// maximum crossings.
func FWHM(a *volume.Array) [3]float64 {
	z, y, x := a.ArgMax()
	peak := [3]int{z, y, x}
	var out [3]float64
	for d := 0; d < 3; d++ {
		line := make([]float64, a.Shape[d])
		p := peak
		for i := range line {
			p[d] = i
			line[i] = a.At(p[0], p[1], p[2])
		}
		spacing := a.Spacing[d]
		if spacing == 0 {
			spacing = 1
		}
		out[d] = ProfileFWHM(line, peak[d]) * spacing
	}
	return out
}

// ProfileFWHM returns the full width at half maximum, in samples, of the
// peak of line at index peak. A profile that never falls below half its
// peak spans the whole line.
func ProfileFWHM(line []float64, peak int) float64 {
	half := line[peak] / 2
	left := 0.0
	for i := peak; i > 0; i-- {
		if line[i-1] < half {
			left = float64(i-1) + (half-line[i-1])/(line[i]-line[i-1])
			break
		}
	}
	right := float64(len(line) - 1)
	for i := peak; i < len(line)-1; i++ {
		if line[i+1] < half {
			right = float64(i) + (line[i]-half)/(line[i]-line[i+1])
			break
		}
	}
	return right - left
}
