// Package visualization renders fused volumes and run diagnostics: 16-bit
// slice and projection images, registration cost plots and an HTML batch
// report.
package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/volume"
)

// ParseAxis converts "z", "y" or "x" to a volume axis.
func ParseAxis(s string) (int, error) {
	switch strings.ToLower(s) {
	case "z":
		return volume.AxisZ, nil
	case "y":
		return volume.AxisY, nil
	case "x":
		return volume.AxisX, nil
	}
	return 0, errs.Configuration("visualization.ParseAxis", "invalid axis %q (must be x, y, or z)", s)
}

// Plane is a 2D view of a volume with H rows of W values. Slicing or
// projecting along Z gives rows of Y and columns of X; along Y or X the
// rows run along Z.
type Plane struct {
	W, H int
	Data []float64
}

func newPlane(shape volume.Shape, axis int, fill float64) *Plane {
	h, w := planeDims(shape, axis)
	p := &Plane{W: w, H: h, Data: make([]float64, w*h)}
	for i := range p.Data {
		p.Data[i] = fill
	}
	return p
}

func planeDims(s volume.Shape, axis int) (h, w int) {
	switch axis {
	case volume.AxisZ:
		return s[1], s[2]
	case volume.AxisY:
		return s[0], s[2]
	default:
		return s[0], s[1]
	}
}

// planeIndex returns the plane offset voxel (z, y, x) projects onto.
func (p *Plane) planeIndex(axis, z, y, x int) int {
	switch axis {
	case volume.AxisZ:
		return y*p.W + x
	case volume.AxisY:
		return z*p.W + x
	default:
		return z*p.W + y
	}
}

// Range returns the smallest and largest finite values.
func (p *Plane) Range() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range p.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Image maps [lo, hi] linearly onto the full 16-bit range. Non-finite
// values render black.
func (p *Plane) Image(lo, hi float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, p.W, p.H))
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	for r := 0; r < p.H; r++ {
		for c := 0; c < p.W; c++ {
			v := p.Data[r*p.W+c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			g := math.Max(0, math.Min(65535, (v-lo)*scale))
			img.SetGray16(c, r, color.Gray16{Y: uint16(math.Round(g))})
		}
	}
	return img
}

// AutoImage renders the plane scaled to its own finite range.
func (p *Plane) AutoImage() *image.Gray16 {
	lo, hi := p.Range()
	return p.Image(lo, hi)
}

// Projection computes the maximum intensity projection of v along axis
// without materializing the volume. Chunks are folded in row-major order.
func Projection(ctx context.Context, ex sched.Scheduler, v *volume.Volume, axis int) (*Plane, error) {
	if axis < volume.AxisZ || axis > volume.AxisX {
		return nil, errs.Configuration("visualization.Projection", "invalid axis %d", axis)
	}
	shape := v.Shape()
	// A partial is the projection of one chunk, placed at the chunk's
	// footprint in the plane.
	type partial struct {
		box  volume.Box
		data *Plane
	}
	project := func(b *volume.Block) (*partial, error) {
		p := newPlane(b.Shape(), axis, math.Inf(-1))
		for z := b.Box.Min[0]; z < b.Box.Max[0]; z++ {
			for y := b.Box.Min[1]; y < b.Box.Max[1]; y++ {
				for x := b.Box.Min[2]; x < b.Box.Max[2]; x++ {
					val := b.At(z, y, x)
					if math.IsNaN(val) {
						continue
					}
					i := p.planeIndex(axis, z-b.Box.Min[0], y-b.Box.Min[1], x-b.Box.Min[2])
					p.Data[i] = math.Max(p.Data[i], val)
				}
			}
		}
		return &partial{box: b.Box, data: p}, nil
	}
	combine := func(acc *Plane, next *partial) *Plane {
		if acc == nil {
			acc = newPlane(shape, axis, math.Inf(-1))
		}
		if next == nil {
			return acc
		}
		r0, c0 := planeDims(volume.Shape(next.box.Min), axis)
		for r := 0; r < next.data.H; r++ {
			for c := 0; c < next.data.W; c++ {
				i := (r0+r)*acc.W + c0 + c
				acc.Data[i] = math.Max(acc.Data[i], next.data.Data[r*next.data.W+c])
			}
		}
		return acc
	}
	p, err := volume.Reduce(ctx, ex, v, project, combine, nil)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = newPlane(shape, axis, math.Inf(-1))
	}
	return p, nil
}

// Viewer extracts images from a materialized volume.
type Viewer struct {
	vol *volume.Array
	// lo and hi are the display window shared by every image the viewer
	// produces, so a slice sequence keeps a consistent brightness.
	lo, hi float64
}

// NewViewer creates a viewer whose display window spans the finite range
// of a.
func NewViewer(a *volume.Array) *Viewer {
	v := &Viewer{vol: a, lo: math.Inf(1), hi: math.Inf(-1)}
	for _, x := range a.Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		v.lo = math.Min(v.lo, x)
		v.hi = math.Max(v.hi, x)
	}
	return v
}

// Window returns the display window.
func (v *Viewer) Window() (lo, hi float64) { return v.lo, v.hi }

// SetWindow overrides the display window.
func (v *Viewer) SetWindow(lo, hi float64) { v.lo, v.hi = lo, hi }

// Slice returns the plane at position along axis.
func (v *Viewer) Slice(axis, position int) (*Plane, error) {
	s := v.vol.Shape
	if axis < volume.AxisZ || axis > volume.AxisX {
		return nil, errs.Configuration("visualization.Slice", "invalid axis %d", axis)
	}
	if position < 0 || position >= s[axis] {
		return nil, errs.Configuration("visualization.Slice", "position %d outside [0, %d)", position, s[axis])
	}
	p := newPlane(s, axis, 0)
	for r := 0; r < p.H; r++ {
		for c := 0; c < p.W; c++ {
			var at [3]int
			switch axis {
			case volume.AxisZ:
				at = [3]int{position, r, c}
			case volume.AxisY:
				at = [3]int{r, position, c}
			default:
				at = [3]int{r, c, position}
			}
			p.Data[r*p.W+c] = v.vol.At(at[0], at[1], at[2])
		}
	}
	return p, nil
}

// ExtractSlice renders the slice at position along the named axis.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	a, err := ParseAxis(axis)
	if err != nil {
		return nil, err
	}
	p, err := v.Slice(a, position)
	if err != nil {
		return nil, err
	}
	return p.Image(v.lo, v.hi), nil
}

// ExtractRegion copies out the region of the given size starting at start.
func (v *Viewer) ExtractRegion(start [3]int, size volume.Shape) (*volume.Array, error) {
	if !size.Valid() {
		return nil, errs.Configuration("visualization.ExtractRegion", "invalid region size %s", size)
	}
	b := volume.Box{Min: start, Max: [3]int{start[0] + size[0], start[1] + size[1], start[2] + size[2]}}
	if !volume.BoxOf(v.vol.Shape).Contains(b) {
		return nil, errs.Configuration("visualization.ExtractRegion", "region %s extends beyond volume %s", b, v.vol.Shape)
	}
	return v.vol.Sub(b), nil
}

// SaveSlice writes img, choosing the encoder from the file extension:
// .tif and .tiff keep all 16 bits, .png keeps 16 bits, .jpg and .jpeg are
// 8-bit previews.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case ".png":
		err = png.Encode(file, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = errs.Configuration("visualization.SaveSlice", "unsupported image format %q", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis into outputDir as
// slice_<axis>_<nnn>.tif.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	a, err := ParseAxis(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.vol.Shape[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.tif", strings.ToLower(axis), pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
