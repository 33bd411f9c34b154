package transform

// Chain is an ordered sequence of transforms. Points are mapped by the
// first element first.
type Chain []Affine

// Collapse returns the single transform equivalent to c.
func (c Chain) Collapse() Affine {
	out := Identity()
	for _, a := range c {
		out = a.Compose(out)
	}
	return out
}
