// classicgen builds block levels from the gradient noise of the genland
// terrain generator by Tom Dobrowolski and Ken Silverman.
// https://web.archive.org/web/20170223015419/http://moonedit.com/tom/vox1_en.htm#genland

package classicgen

import (
	"fmt"
	"math"
)

// Classic block ids used by the generators.
const (
	Air     byte = 0
	Stone   byte = 1
	Grass   byte = 2
	Dirt    byte = 3
	Bedrock byte = 7
	Water   byte = 8
	Sand    byte = 12
	Gravel  byte = 13
)

const (
	KindFlat  = "flat"
	KindHills = "hills"

	octaves = 6
)

// Level is a generated block grid in classic order, x fastest then z then y.
type Level struct {
	Width, Height, Length int
	Blocks                []byte
}

func (l *Level) Index(x, y, z int) int {
	return (y*l.Length+z)*l.Width + x
}

func (l *Level) set(x, y, z int, b byte) {
	l.Blocks[l.Index(x, y, z)] = b
}

// Surface returns the y of the highest solid block in the column, or -1.
func (l *Level) Surface(x, z int) int {
	for y := l.Height - 1; y >= 0; y-- {
		b := l.Blocks[l.Index(x, y, z)]
		if b != Air && b != Water {
			return y
		}
	}
	return -1
}

func Generate(kind string, seed int64, width, height, length int) (*Level, error) {
	if width < 1 || height < 1 || length < 1 {
		return nil, fmt.Errorf("invalid level size %dx%dx%d", width, height, length)
	}

	l := &Level{
		Width:  width,
		Height: height,
		Length: length,
		Blocks: make([]byte, width*height*length),
	}

	switch kind {
	case KindFlat:
		l.flat()
	case KindHills:
		l.hills(uint32(seed))
	default:
		return nil, fmt.Errorf("unknown generator %q", kind)
	}

	return l, nil
}

func (l *Level) flat() {
	ground := l.Height / 2
	for x := 0; x < l.Width; x++ {
		for z := 0; z < l.Length; z++ {
			l.column(x, z, ground, -1)
		}
	}
}

func (l *Level) hills(seed uint32) {
	nc := &noiseContext{seed: seed}
	nc.initNoise()

	water := l.Height / 2
	amplitude := float64(l.Height) / 4

	for x := 0; x < l.Width; x++ {
		for z := 0; z < l.Length; z++ {
			fx := float64(x) / 48
			fz := float64(z) / 48
			d := 0.0
			amp := 1.0
			for o := 0; o < octaves; o++ {
				d += nc.noise3d(fx, fz, 9.5, 255) * amp
				fx *= 2
				fz *= 2
				amp *= 0.45
			}

			top := water + int(math.Round(d*amplitude))
			top = max(1, min(top, l.Height-1))
			l.column(x, z, top, water)
		}
	}
}

// column fills one column up to top, topping it with grass above water and
// sand at or below it. Air below waterLevel is flooded.
func (l *Level) column(x, z, top, waterLevel int) {
	for y := 0; y <= top && y < l.Height; y++ {
		var b byte
		switch {
		case y == 0:
			b = Bedrock
		case y < top-3:
			b = Stone
		case y < top:
			b = Dirt
		case waterLevel >= 0 && top <= waterLevel:
			b = Sand
		default:
			b = Grass
		}
		l.set(x, y, z, b)
	}
	for y := top + 1; y < waterLevel && y < l.Height; y++ {
		l.set(x, y, z, Water)
	}
}

type noiseContext struct {
	perm   [512]uint8
	perm15 [512]uint8
	seed   uint32
}

func (nc *noiseContext) random() uint32 {
	nc.seed = nc.seed*214013 + 2531011
	return (nc.seed >> 16) & 0x7FFF
}

func (nc *noiseContext) initNoise() {
	for i := range 256 {
		nc.perm[i] = uint8(i)
	}
	for i := 255; i > 0; i-- {
		j := (nc.random() * uint32(i+1)) >> 15
		nc.perm[i], nc.perm[j] = nc.perm[j], nc.perm[i]
	}
	copy(nc.perm[256:], nc.perm[:256])
	for i, p := range nc.perm {
		nc.perm15[i] = p & 15
	}
}

var gradients = [16][3]float64{
	{1, 1, 0}, {-1, 1, 0}, {1, -1, 0}, {-1, -1, 0},
	{1, 0, 1}, {-1, 0, 1}, {1, 0, -1}, {-1, 0, -1},
	{0, 1, 1}, {0, -1, 1}, {0, 1, -1}, {0, -1, -1},
	{1, 1, 0}, {-1, 1, 0}, {0, 1, -1}, {0, -1, -1},
}

func grad(h uint8, x, y, z float64) float64 {
	g := gradients[h]
	return g[0]*x + g[1]*y + g[2]*z
}

func smooth(t float64) float64 {
	return (3 - 2*t) * t * t
}

func lerp(a, b, t float64) float64 {
	return (b-a)*t + a
}

func (nc *noiseContext) noise3d(fx, fy, fz float64, mask int) float64 {
	var lo, hi [3]int
	var p [3]float64
	for i, f := range [3]float64{fx, fy, fz} {
		fl := math.Floor(f)
		p[i] = f - fl
		lo[i] = int(fl) & mask
		hi[i] = (int(fl) + 1) & mask
	}

	a00 := int(nc.perm[int(nc.perm[lo[0]])+lo[1]])
	a01 := int(nc.perm[int(nc.perm[lo[0]])+hi[1]])
	a10 := int(nc.perm[int(nc.perm[hi[0]])+lo[1]])
	a11 := int(nc.perm[int(nc.perm[hi[0]])+hi[1]])

	var f [8]float64
	for k, zc := range [2]int{lo[2], hi[2]} {
		pz := p[2] - float64(k)
		f[k*4+0] = grad(nc.perm15[a00+zc], p[0], p[1], pz)
		f[k*4+1] = grad(nc.perm15[a10+zc], p[0]-1, p[1], pz)
		f[k*4+2] = grad(nc.perm15[a01+zc], p[0], p[1]-1, pz)
		f[k*4+3] = grad(nc.perm15[a11+zc], p[0]-1, p[1]-1, pz)
	}

	sx, sy, sz := smooth(p[0]), smooth(p[1]), smooth(p[2])
	c0 := lerp(f[0], f[4], sz)
	c1 := lerp(f[1], f[5], sz)
	c2 := lerp(f[2], f[6], sz)
	c3 := lerp(f[3], f[7], sz)

	return lerp(lerp(c0, c2, sy), lerp(c1, c3, sy), sx)
}
