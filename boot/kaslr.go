package boot

import (
	"math/rand"

	"github.com/DeanoBurrito/northport-sub001/hal"
)

// KaslrSource produces the randomised gap SetupDomain0 inserts between each
// of its six regions, the Go counterpart of GetNextSlide.
type KaslrSource interface {
	NextSlide() uint64
}

const (
	kaslrShiftMin = 0
	kaslrShiftMax = 32
)

// RandomSlide draws its shift from math/rand, scaled to a whole number of
// pages the way GetNextSlide masks a random byte to KaslrShiftMax-1.
type RandomSlide struct {
	rng *rand.Rand
}

// NewRandomSlide creates a RandomSlide seeded from seed. Production
// bring-up seeds this from whatever entropy source the platform layer
// provides (out of this core's scope, spec.md §1); tests pass a fixed seed
// for reproducibility.
func NewRandomSlide(seed int64) *RandomSlide {
	return &RandomSlide{rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomSlide) NextSlide() uint64 {
	shift := uint64(r.rng.Intn(kaslrShiftMax))
	if shift < kaslrShiftMin {
		shift = kaslrShiftMin
	}
	return shift << hal.PfnShift
}

// NoSlide always returns a zero gap, for tests that need to predict exact
// vaddr layout and for platforms without a usable entropy source — the
// same fallback GetNextSlide itself takes when PalGetRandom fails.
type NoSlide struct{}

func (NoSlide) NextSlide() uint64 { return 0 }
