// SPDX-License-Identifier: MIT

package chart

// Resolution fineness ranking, finest first:
// 15S < 30S < 1 < 5 < 15 < 30 < 60 < 120 < 240 < D < W < M.
// Daily and coarser resolutions are accepted both in vendor form ("D") and
// in the conventional client form ("1D").
var resolutionRank = map[string]int{
	"15S": 0,
	"30S": 1,
	"1":   2,
	"3":   3,
	"5":   4,
	"15":  5,
	"30":  6,
	"45":  7,
	"60":  8,
	"120": 9,
	"240": 10,
	"D":   11,
	"W":   12,
	"M":   13,
}

var resolutionAliases = map[string]string{
	"1D": "D",
	"1W": "W",
	"1M": "M",
}

// CanonicalResolution maps client aliases ("1D") onto the vendor form ("D").
// Unknown strings pass through unchanged.
func CanonicalResolution(res string) string {
	if c, ok := resolutionAliases[res]; ok {
		return c
	}
	return res
}

// ValidResolution reports whether res belongs to the closed resolution set.
func ValidResolution(res string) bool {
	_, ok := resolutionRank[CanonicalResolution(res)]
	return ok
}

// FinerThan reports whether resolution a is strictly finer than b.
// Unknown resolutions are never finer than anything.
func FinerThan(a, b string) bool {
	ra, okA := resolutionRank[CanonicalResolution(a)]
	rb, okB := resolutionRank[CanonicalResolution(b)]
	if !okA || !okB {
		return false
	}
	return ra < rb
}

// Anchor periods the vendor accepts for the CVD study.
var validAnchorPeriods = map[string]struct{}{
	"1D": {}, "1W": {}, "1M": {}, "3M": {}, "6M": {}, "12M": {},
}

// DefaultAnchorPeriod is applied when CVD is enabled without an explicit
// anchor.
const DefaultAnchorPeriod = "3M"

// ValidAnchorPeriod reports whether p is an accepted CVD anchor period.
func ValidAnchorPeriod(p string) bool {
	_, ok := validAnchorPeriods[p]
	return ok
}

// MaxBarCount is the vendor-observed ceiling for one series request.
const MaxBarCount = 2000
