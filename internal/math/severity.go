package math

import "fmt"

// EffectiveSeverityBps maps an oracle-reported severity (basis points) to the
// effective payout percentage through a bounded quadratic curve with a floor:
//
//	raw = a*x^2 + b*x + c    (x and coefficients in 1e6 fixed point)
//
// The raw result is clamped to [0, 10000] bps, then floored at floorBps. The
// floor guarantees a minimum payout for any triggered event even under a
// degenerate curve; the upper clamp prevents over-100% liability from curve
// blow-up.
func EffectiveSeverityBps(inputBps, a, b, c, floorBps int64) (int64, error) {
	if inputBps < 0 || inputBps > BpsDenom {
		return 0, fmt.Errorf("severity input out of range: %d bps", inputBps)
	}

	xFP := inputBps * AmountScale
	x2 := MulDiv(xFP, xFP, AmountScale)
	ax2 := MulDiv(a, x2, AmountScale)
	bx := MulDiv(b, xFP, AmountScale)

	sum := ax2 + bx + c

	// Back to basis points.
	bps := sum / AmountScale
	if bps < 0 {
		bps = 0
	}
	if bps < floorBps {
		bps = floorBps
	}
	if bps > BpsDenom {
		bps = BpsDenom
	}

	return bps, nil
}

// WeightedStake returns the tranche-weighted stake used for payout shares:
// senior and junior principal each scaled by their bps weight multiplier.
func WeightedStake(senior, junior, weightSeniorBps, weightJuniorBps int64) int64 {
	return BpsOf(senior, weightSeniorBps) + BpsOf(junior, weightJuniorBps)
}
