package residuals

import (
	"github.com/golang/geo/r3"

	"go.viam.com/rigcal/rig"
)

// Block is one named group of parameters the assembler can pack into and
// unpack out of the flat optimizer vector, following the manual
// params-slice convention `other_examples`' ptz_calibrator residual
// function uses for a single fixed pose block -- generalized here into a
// reusable abstraction since this problem has many independently
// freezable parameter groups instead of one.
type Block struct {
	Name   string
	Frozen bool
	Size   int
	Get    func() []float64
	Set    func([]float64)
}

// ParamSet is the ordered collection of parameter blocks that make up one
// optimization problem. Pack/Unpack only touch blocks that are not frozen;
// a frozen block's backing value stays whatever it already was.
type ParamSet struct {
	blocks []Block
}

// Add appends a block to the set.
func (p *ParamSet) Add(b Block) { p.blocks = append(p.blocks, b) }

// Len returns the total size of the flat parameter vector (sum of unfrozen
// block sizes).
func (p *ParamSet) Len() int {
	n := 0
	for _, b := range p.blocks {
		if !b.Frozen {
			n += b.Size
		}
	}
	return n
}

// Pack concatenates every unfrozen block's current value into a flat
// vector, in block-registration order.
func (p *ParamSet) Pack() []float64 {
	x := make([]float64, 0, p.Len())
	for _, b := range p.blocks {
		if !b.Frozen {
			x = append(x, b.Get()...)
		}
	}
	return x
}

// Unpack writes x back into every unfrozen block's backing value.
func (p *ParamSet) Unpack(x []float64) {
	off := 0
	for _, b := range p.blocks {
		if !b.Frozen {
			b.Set(x[off : off+b.Size])
			off += b.Size
		}
	}
}

func framePoseBlock(name string, f *FramePose, frozen bool) Block {
	return Block{
		Name: name, Frozen: frozen, Size: 6,
		Get: func() []float64 {
			return []float64{f.Translation.X, f.Translation.Y, f.Translation.Z, f.Rotation.X, f.Rotation.Y, f.Rotation.Z}
		},
		Set: func(v []float64) {
			f.Translation = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
			f.Rotation = r3.Vector{X: v[3], Y: v[4], Z: v[5]}
		},
	}
}

func vec3Block(name string, p *r3.Vector, frozen bool) Block {
	return Block{
		Name: name, Frozen: frozen, Size: 3,
		Get: func() []float64 { return []float64{p.X, p.Y, p.Z} },
		Set: func(v []float64) { *p = r3.Vector{X: v[0], Y: v[1], Z: v[2]} },
	}
}

func scalarBlock(name string, p *float64, frozen bool) Block {
	return Block{
		Name: name, Frozen: frozen, Size: 1,
		Get: func() []float64 { return []float64{*p} },
		Set: func(v []float64) { *p = v[0] },
	}
}

func principalPointBlock(name string, s *rig.Sensor, frozen bool) Block {
	return Block{
		Name: name, Frozen: frozen, Size: 2,
		Get: func() []float64 { return []float64{s.Intrinsics.PrincipalPoint.X, s.Intrinsics.PrincipalPoint.Y} },
		Set: func(v []float64) { s.Intrinsics.PrincipalPoint.X, s.Intrinsics.PrincipalPoint.Y = v[0], v[1] },
	}
}

// distortionBlock floats a sensor's distortion parameter vector. Because
// rig.Distortion is an immutable value built by rig.NewDistortion, Set
// rebuilds it from the updated parameters rather than mutating in place.
func distortionBlock(name string, s *rig.Sensor, frozen bool) Block {
	n := s.Distortion.ParamCount()
	return Block{
		Name: name, Frozen: frozen, Size: n,
		Get: func() []float64 { return s.Distortion.Params() },
		Set: func(v []float64) {
			d, err := rig.NewDistortion(s.Distortion.Kind(), v)
			if err == nil {
				s.Distortion = d
			}
		},
	}
}
