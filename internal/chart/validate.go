// SPDX-License-Identifier: MIT

package chart

import "strings"

// Normalize fills defaults: canonical resolution form and, when CVD is
// enabled without an anchor, the default anchor period.
func (r Request) Normalize() Request {
	r.Symbol = strings.TrimSpace(r.Symbol)
	r.Resolution = CanonicalResolution(strings.TrimSpace(r.Resolution))
	if r.CVD.Enabled && r.CVD.AnchorPeriod == "" {
		r.CVD.AnchorPeriod = DefaultAnchorPeriod
	}
	if !r.CVD.Enabled {
		r.CVD.AnchorPeriod = ""
		r.CVD.Timeframe = ""
	}
	return r
}

// Validate checks the request against the closed resolution set, the bar
// count ceiling and CVD consistency. It never caps the bar count silently.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return NewError(KindValidation, "symbol must not be empty")
	}
	if !ValidResolution(r.Resolution) {
		return NewError(KindValidation, "unsupported resolution %q", r.Resolution)
	}
	if r.BarCount < 1 || r.BarCount > MaxBarCount {
		return NewError(KindValidation, "bar count %d out of range [1,%d]", r.BarCount, MaxBarCount)
	}
	if r.CVD.Enabled {
		if !ValidAnchorPeriod(r.CVD.AnchorPeriod) {
			return NewError(KindValidation, "unsupported CVD anchor period %q", r.CVD.AnchorPeriod)
		}
		if r.CVD.Timeframe != "" {
			if !ValidResolution(r.CVD.Timeframe) {
				return NewError(KindValidation, "unsupported CVD timeframe %q", r.CVD.Timeframe)
			}
			if !FinerThan(r.CVD.Timeframe, r.Resolution) {
				return NewError(KindValidation,
					"CVD timeframe %q must be strictly finer than chart resolution %q",
					r.CVD.Timeframe, r.Resolution)
			}
		}
	}
	return nil
}
