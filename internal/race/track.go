package race

import (
	"math"
	"math/rand/v2"
)

// trackSampleCount is the number of points in a generated track.
const trackSampleCount = 1000

// TrackPoint is one normalized sample of a track curve. Both coordinates are
// in [0, 1].
type TrackPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Track is the renderable course for one race.
type Track struct {
	TokenMint   string       `json:"token_mint"`
	TokenSymbol string       `json:"token_symbol"`
	Seed        int64        `json:"seed"`
	Samples     []TrackPoint `json:"samples"`
	PointCount  int          `json:"point_count"`
}

// GenerateTrackSamples produces the deterministic sample curve for a seed:
// a sine base with seeded noise, clamped to [0, 1]. The same seed always
// yields the same samples so both players race the identical course.
func GenerateTrackSamples(seed int64) []TrackPoint {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	samples := make([]TrackPoint, trackSampleCount)
	for i := range samples {
		x := float64(i) / float64(trackSampleCount-1)
		base := 0.5 + 0.3*math.Sin(x*math.Pi*4)
		noise := (rng.Float64()*2 - 1) * 0.1
		samples[i] = TrackPoint{
			X: x,
			Y: math.Max(0, math.Min(1, base+noise)),
		}
	}
	return samples
}

// RandomTrackSeed picks a seed for requests that do not pin one.
func RandomTrackSeed() int64 {
	return rand.Int64N(1_000_001)
}
