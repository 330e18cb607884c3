package sampler

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// ParseSeeds parses a caller-facing seed specification: a single integer, a
// comma-separated list, or the empty string for fresh random seeds per batch
// row.
func ParseSeeds(spec string) ([]int64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	parts := strings.Split(spec, ",")
	seeds := make([]int64, 0, len(parts))

	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: seed %q is not an integer", ErrConfiguration, p)
		}

		seeds = append(seeds, v)
	}

	return seeds, nil
}

// ResolveSeeds expands a seed list to one seed per batch row. A short list
// repeats its last element; an empty list draws fresh random seeds.
func ResolveSeeds(batch int, seeds []int64) []int64 {
	out := make([]int64, batch)

	for i := range out {
		switch {
		case len(seeds) == 0:
			out[i] = rand.Int63n(1 << 32)
		case i < len(seeds):
			out[i] = seeds[i]
		default:
			out[i] = seeds[len(seeds)-1]
		}
	}

	return out
}

// Generators builds one deterministic generator per seed, index-aligned with
// the batch rows they will fill.
func Generators(seeds []int64) []*rand.Rand {
	gens := make([]*rand.Rand, len(seeds))
	for i, s := range seeds {
		gens[i] = rand.New(rand.NewSource(s))
	}

	return gens
}
